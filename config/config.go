/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_MONITORING_PORT = "5004"
	DEFAULT_GATEWAY         = "manual"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns                string `json:"dns" envconfig:"PAYFLOW_DATA_SOURCE_DNS"`
	MaxOpenConns       int    `json:"max_open_conns" envconfig:"PAYFLOW_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns       int    `json:"max_idle_conns" envconfig:"PAYFLOW_DATA_SOURCE_MAX_IDLE_CONNS"`
	StatementTimeoutMs int    `json:"statement_timeout_ms" envconfig:"PAYFLOW_DATA_SOURCE_STATEMENT_TIMEOUT_MS"`
	LockTimeoutMs      int    `json:"lock_timeout_ms" envconfig:"PAYFLOW_DATA_SOURCE_LOCK_TIMEOUT_MS"`
}

type RedisConfig struct {
	Dns                string `json:"dns" envconfig:"PAYFLOW_REDIS_DNS"`
	SkipTLSVerify      bool   `json:"skip_tls_verify" envconfig:"PAYFLOW_REDIS_SKIP_TLS_VERIFY"`
	OperationTimeoutMs int    `json:"operation_timeout_ms" envconfig:"PAYFLOW_REDIS_OPERATION_TIMEOUT_MS"`
}

// QueueConfig controls the asynq-backed queues and their worker pools.
type QueueConfig struct {
	Concurrency           map[string]int `json:"concurrency" envconfig:"PAYFLOW_QUEUE_CONCURRENCY"`
	DefaultMaxAttempts    int            `json:"default_max_attempts" envconfig:"PAYFLOW_QUEUE_DEFAULT_MAX_ATTEMPTS"`
	DefaultBackoffType    string         `json:"default_backoff_type" envconfig:"PAYFLOW_QUEUE_DEFAULT_BACKOFF_TYPE"`
	DefaultBackoffDelayMs int            `json:"default_backoff_delay_ms" envconfig:"PAYFLOW_QUEUE_DEFAULT_BACKOFF_DELAY_MS"`
	CompletedRetentionSec int            `json:"completed_retention_sec" envconfig:"PAYFLOW_QUEUE_COMPLETED_RETENTION_SEC"`
	MaxStalledCount       int            `json:"max_stalled_count" envconfig:"PAYFLOW_QUEUE_MAX_STALLED_COUNT"`
	ShutdownTimeoutSec    int            `json:"shutdown_timeout_sec" envconfig:"PAYFLOW_QUEUE_SHUTDOWN_TIMEOUT_SEC"`
	MonitoringPort        string         `json:"monitoring_port" envconfig:"PAYFLOW_QUEUE_MONITORING_PORT"`
}

// LedgerConfig tunes deadlock recovery for balance mutations.
type LedgerConfig struct {
	MaxDeadlockRetries   int     `json:"max_deadlock_retries" envconfig:"PAYFLOW_LEDGER_MAX_DEADLOCK_RETRIES"`
	RetryBaseDelayMs     int     `json:"retry_base_delay_ms" envconfig:"PAYFLOW_LEDGER_RETRY_BASE_DELAY_MS"`
	RetryMultiplier      float64 `json:"retry_multiplier" envconfig:"PAYFLOW_LEDGER_RETRY_MULTIPLIER"`
	RetryJitter          float64 `json:"retry_jitter" envconfig:"PAYFLOW_LEDGER_RETRY_JITTER"`
	RetryMaxDelayMs      int     `json:"retry_max_delay_ms" envconfig:"PAYFLOW_LEDGER_RETRY_MAX_DELAY_MS"`
	TransactionTimeoutMs int     `json:"transaction_timeout_ms" envconfig:"PAYFLOW_LEDGER_TRANSACTION_TIMEOUT_MS"`
}

type LockConfig struct {
	TTLSec int `json:"ttl_sec" envconfig:"PAYFLOW_LOCK_TTL_SEC"`
	// WaitMs bounds how long admin approvals wait for a withdrawal lock before requeueing.
	WaitMs int `json:"wait_ms" envconfig:"PAYFLOW_LOCK_WAIT_MS"`
}

type DedupConfig struct {
	RegistrationBonusTTLHours int `json:"registration_bonus_ttl_hours" envconfig:"PAYFLOW_DEDUP_REGISTRATION_BONUS_TTL_HOURS"`
	DepositBonusTTLHours      int `json:"deposit_bonus_ttl_hours" envconfig:"PAYFLOW_DEDUP_DEPOSIT_BONUS_TTL_HOURS"`
	NotificationTTLHours      int `json:"notification_ttl_hours" envconfig:"PAYFLOW_DEDUP_NOTIFICATION_TTL_HOURS"`
	InFlightTTLSec            int `json:"in_flight_ttl_sec" envconfig:"PAYFLOW_DEDUP_IN_FLIGHT_TTL_SEC"`
}

// BonusTier grants Bonus once a first deposit reaches Threshold.
type BonusTier struct {
	Threshold decimal.Decimal `json:"threshold"`
	Bonus     decimal.Decimal `json:"bonus"`
}

type BonusConfig struct {
	RegistrationAmount    decimal.Decimal `json:"registration_amount" envconfig:"PAYFLOW_BONUS_REGISTRATION_AMOUNT"`
	DepositTiers          []BonusTier     `json:"deposit_tiers"`
	ReferralRewardPercent decimal.Decimal `json:"referral_reward_percent" envconfig:"PAYFLOW_BONUS_REFERRAL_REWARD_PERCENT"`
	ReferralTeamDepth     int             `json:"referral_team_depth" envconfig:"PAYFLOW_BONUS_REFERRAL_TEAM_DEPTH"`
}

type GatewayConfig struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type PayoutConfig struct {
	Gateways       []GatewayConfig `json:"gateways"`
	DefaultGateway string          `json:"default_gateway" envconfig:"PAYFLOW_PAYOUT_DEFAULT_GATEWAY"`
}

type MaintenanceConfig struct {
	IntervalSec               int     `json:"interval_sec" envconfig:"PAYFLOW_MAINTENANCE_INTERVAL_SEC"`
	CompletedRetentionHours   int     `json:"completed_retention_hours" envconfig:"PAYFLOW_MAINTENANCE_COMPLETED_RETENTION_HOURS"`
	FailedRetentionHours      int     `json:"failed_retention_hours" envconfig:"PAYFLOW_MAINTENANCE_FAILED_RETENTION_HOURS"`
	FailedJobRecordDays       int     `json:"failed_job_record_days" envconfig:"PAYFLOW_MAINTENANCE_FAILED_JOB_RECORD_DAYS"`
	CleanBatchSize            int     `json:"clean_batch_size" envconfig:"PAYFLOW_MAINTENANCE_CLEAN_BATCH_SIZE"`
	WaitingAlertThreshold     int     `json:"waiting_alert_threshold" envconfig:"PAYFLOW_MAINTENANCE_WAITING_ALERT_THRESHOLD"`
	FailureRateAlertThreshold float64 `json:"failure_rate_alert_threshold" envconfig:"PAYFLOW_MAINTENANCE_FAILURE_RATE_ALERT_THRESHOLD"`
	StuckPaymentMinutes       int     `json:"stuck_payment_minutes" envconfig:"PAYFLOW_MAINTENANCE_STUCK_PAYMENT_MINUTES"`
	BonusSweepWindowHours     int     `json:"bonus_sweep_window_hours" envconfig:"PAYFLOW_MAINTENANCE_BONUS_SWEEP_WINDOW_HOURS"`
	ReportCron                string  `json:"report_cron" envconfig:"PAYFLOW_MAINTENANCE_REPORT_CRON"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PAYFLOW_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type TracingConfig struct {
	Endpoint string `json:"endpoint" envconfig:"PAYFLOW_TRACING_ENDPOINT"`
}

// OpsConfig guards the ops HTTP server. Rate limiting is off while RequestsPerSecond is zero.
type OpsConfig struct {
	SecretKey          string  `json:"secret_key" envconfig:"PAYFLOW_OPS_SECRET_KEY"`
	RequestsPerSecond  float64 `json:"requests_per_second" envconfig:"PAYFLOW_OPS_REQUESTS_PER_SECOND"`
	Burst              int     `json:"burst" envconfig:"PAYFLOW_OPS_BURST"`
	CleanupIntervalSec int     `json:"cleanup_interval_sec" envconfig:"PAYFLOW_OPS_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"PAYFLOW_PROJECT_NAME"`
	Environment  string            `json:"environment" envconfig:"PAYFLOW_ENVIRONMENT"`
	DataSource   DataSourceConfig  `json:"data_source"`
	Redis        RedisConfig       `json:"redis"`
	Queue        QueueConfig       `json:"queue"`
	Ledger       LedgerConfig      `json:"ledger"`
	Lock         LockConfig        `json:"lock"`
	Dedup        DedupConfig       `json:"dedup"`
	Bonus        BonusConfig       `json:"bonus"`
	Payout       PayoutConfig      `json:"payout"`
	Maintenance  MaintenanceConfig `json:"maintenance"`
	Notification Notification      `json:"notification"`
	Tracing      TracingConfig     `json:"tracing"`
	Ops          OpsConfig         `json:"ops"`
}

var defaultConcurrency = map[string]int{
	"deposits":     5,
	"withdrawals":  3,
	"registration": 3,
	"payments":     5,
	"admin":        1,
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("payflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	configureLogger(&cnf)
	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called payflow.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Payflow"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Queue.MonitoringPort = strings.TrimSpace(cnf.Queue.MonitoringPort)

	cnf.DataSource.MaxOpenConns = orDefault(cnf.DataSource.MaxOpenConns, 25)
	cnf.DataSource.MaxIdleConns = orDefault(cnf.DataSource.MaxIdleConns, 10)
	cnf.DataSource.StatementTimeoutMs = orDefault(cnf.DataSource.StatementTimeoutMs, 5000)
	cnf.DataSource.LockTimeoutMs = orDefault(cnf.DataSource.LockTimeoutMs, 2000)
	cnf.Redis.OperationTimeoutMs = orDefault(cnf.Redis.OperationTimeoutMs, 500)

	if cnf.Queue.Concurrency == nil {
		cnf.Queue.Concurrency = map[string]int{}
	}
	for name, n := range defaultConcurrency {
		if cnf.Queue.Concurrency[name] <= 0 {
			cnf.Queue.Concurrency[name] = n
		}
	}
	cnf.Queue.DefaultMaxAttempts = orDefault(cnf.Queue.DefaultMaxAttempts, 3)
	if cnf.Queue.DefaultBackoffType == "" {
		cnf.Queue.DefaultBackoffType = "exponential"
	}
	if cnf.Queue.DefaultBackoffType != "exponential" && cnf.Queue.DefaultBackoffType != "fixed" {
		return errors.New("queue backoff type must be fixed or exponential")
	}
	cnf.Queue.DefaultBackoffDelayMs = orDefault(cnf.Queue.DefaultBackoffDelayMs, 2000)
	cnf.Queue.CompletedRetentionSec = orDefault(cnf.Queue.CompletedRetentionSec, 86400)
	cnf.Queue.MaxStalledCount = orDefault(cnf.Queue.MaxStalledCount, 1)
	cnf.Queue.ShutdownTimeoutSec = orDefault(cnf.Queue.ShutdownTimeoutSec, 30)
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	cnf.Ledger.MaxDeadlockRetries = orDefault(cnf.Ledger.MaxDeadlockRetries, 5)
	cnf.Ledger.RetryBaseDelayMs = orDefault(cnf.Ledger.RetryBaseDelayMs, 50)
	if cnf.Ledger.RetryMultiplier <= 1 {
		cnf.Ledger.RetryMultiplier = 2
	}
	if cnf.Ledger.RetryJitter <= 0 || cnf.Ledger.RetryJitter >= 1 {
		cnf.Ledger.RetryJitter = 0.5
	}
	cnf.Ledger.RetryMaxDelayMs = orDefault(cnf.Ledger.RetryMaxDelayMs, 2000)
	cnf.Ledger.TransactionTimeoutMs = orDefault(cnf.Ledger.TransactionTimeoutMs, 10000)

	cnf.Lock.TTLSec = orDefault(cnf.Lock.TTLSec, 60)
	cnf.Lock.WaitMs = orDefault(cnf.Lock.WaitMs, 2000)

	cnf.Dedup.RegistrationBonusTTLHours = orDefault(cnf.Dedup.RegistrationBonusTTLHours, 30*24)
	cnf.Dedup.DepositBonusTTLHours = orDefault(cnf.Dedup.DepositBonusTTLHours, 30*24)
	cnf.Dedup.NotificationTTLHours = orDefault(cnf.Dedup.NotificationTTLHours, 24)
	cnf.Dedup.InFlightTTLSec = orDefault(cnf.Dedup.InFlightTTLSec, 120)

	if cnf.Bonus.RegistrationAmount.IsZero() {
		cnf.Bonus.RegistrationAmount = decimal.RequireFromString("25.00")
	}
	if len(cnf.Bonus.DepositTiers) == 0 {
		cnf.Bonus.DepositTiers = DefaultDepositTiers()
	}
	sort.Slice(cnf.Bonus.DepositTiers, func(i, j int) bool {
		return cnf.Bonus.DepositTiers[i].Threshold.LessThan(cnf.Bonus.DepositTiers[j].Threshold)
	})
	if cnf.Bonus.ReferralRewardPercent.IsNegative() {
		return errors.New("referral reward percent cannot be negative")
	}
	cnf.Bonus.ReferralTeamDepth = orDefault(cnf.Bonus.ReferralTeamDepth, 3)

	if len(cnf.Payout.Gateways) == 0 {
		cnf.Payout.Gateways = []GatewayConfig{{Name: DEFAULT_GATEWAY, Active: true}}
	}
	if cnf.Payout.DefaultGateway == "" {
		cnf.Payout.DefaultGateway = cnf.Payout.Gateways[0].Name
	}

	cnf.Maintenance.IntervalSec = orDefault(cnf.Maintenance.IntervalSec, 300)
	cnf.Maintenance.CompletedRetentionHours = orDefault(cnf.Maintenance.CompletedRetentionHours, 24)
	cnf.Maintenance.FailedRetentionHours = orDefault(cnf.Maintenance.FailedRetentionHours, 7*24)
	cnf.Maintenance.FailedJobRecordDays = orDefault(cnf.Maintenance.FailedJobRecordDays, 30)
	cnf.Maintenance.CleanBatchSize = orDefault(cnf.Maintenance.CleanBatchSize, 1000)
	cnf.Maintenance.WaitingAlertThreshold = orDefault(cnf.Maintenance.WaitingAlertThreshold, 50)
	if cnf.Maintenance.FailureRateAlertThreshold <= 0 {
		cnf.Maintenance.FailureRateAlertThreshold = 0.10
	}
	cnf.Maintenance.StuckPaymentMinutes = orDefault(cnf.Maintenance.StuckPaymentMinutes, 30)
	cnf.Maintenance.BonusSweepWindowHours = orDefault(cnf.Maintenance.BonusSweepWindowHours, 24)
	if cnf.Maintenance.ReportCron == "" {
		cnf.Maintenance.ReportCron = "0 1 * * *"
	}

	if cnf.Ops.RequestsPerSecond > 0 && cnf.Ops.Burst <= 0 {
		cnf.Ops.Burst = max(1, 2*int(cnf.Ops.RequestsPerSecond))
	}
	cnf.Ops.CleanupIntervalSec = orDefault(cnf.Ops.CleanupIntervalSec, 3600)

	return nil
}

// DefaultDepositTiers is the first-deposit bonus table used when none is configured.
func DefaultDepositTiers() []BonusTier {
	return []BonusTier{
		{Threshold: decimal.NewFromInt(100), Bonus: decimal.NewFromInt(20)},
		{Threshold: decimal.NewFromInt(300), Bonus: decimal.NewFromInt(60)},
		{Threshold: decimal.NewFromInt(1000), Bonus: decimal.NewFromInt(150)},
		{Threshold: decimal.NewFromInt(5000), Bonus: decimal.NewFromInt(800)},
	}
}

// ActiveGateways returns the names of payout gateways that accept new payouts.
func (cnf *Configuration) ActiveGateways() []string {
	var names []string
	for _, g := range cnf.Payout.Gateways {
		if g.Active {
			names = append(names, g.Name)
		}
	}
	return names
}

func (cnf *Configuration) LockTTL() time.Duration {
	return time.Duration(cnf.Lock.TTLSec) * time.Second
}

func (cnf *Configuration) LockWait() time.Duration {
	return time.Duration(cnf.Lock.WaitMs) * time.Millisecond
}

func (cnf *Configuration) RedisTimeout() time.Duration {
	return time.Duration(cnf.Redis.OperationTimeoutMs) * time.Millisecond
}

func (cnf *Configuration) TransactionTimeout() time.Duration {
	return time.Duration(cnf.Ledger.TransactionTimeoutMs) * time.Millisecond
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// Defaults returns a configuration with every default applied, for tests and tooling.
func Defaults() *Configuration {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/payflow?sslmode=disable"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

func configureLogger(cnf *Configuration) {
	if strings.EqualFold(cnf.Environment, "production") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.DebugLevel)
}
