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

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/cache"
	"github.com/blnkfinance/payflow/internal/metrics"
	"github.com/blnkfinance/payflow/internal/notification"
	redis_db "github.com/blnkfinance/payflow/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Payflow represents the CLI application, encapsulating the root Cobra command.
type Payflow struct {
	cmd *cobra.Command
}

// payflowInstance holds what the commands share. Only the configuration is loaded up front;
// connections are opened by the commands that need them.
type payflowInstance struct {
	cnf      *config.Configuration
	engine   *payflow.Engine
	queue    *payflow.Queue
	ds       *database.Datasource
	redis    *redis_db.Redis
	connOpt  asynq.RedisClientOpt
	notifier notification.Notifier
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file named by --config before any command runs.
func preRun(app *payflowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// queueOnly connects the asynq client and inspector without touching Postgres.
func (p *payflowInstance) queueOnly() error {
	if p.queue != nil {
		return nil
	}
	connOpt, err := redis_db.AsynqConnOpt(p.cnf.Redis.Dns, p.cnf.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error parsing Redis URL: %w", err)
	}
	p.connOpt = connOpt
	p.queue = payflow.NewQueueFromConnOpt(connOpt, p.cnf.Queue)
	return nil
}

// setup opens every connection the engine needs and wires it together.
func (p *payflowInstance) setup(observer metrics.JobObserver) error {
	if err := p.queueOnly(); err != nil {
		return err
	}

	ds, err := database.NewDataSource(p.cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %w", err)
	}
	p.ds = ds

	rdb, err := redis_db.NewRedisClient([]string{p.cnf.Redis.Dns}, redis_db.Options{
		SkipTLSVerify:    p.cnf.Redis.SkipTLSVerify,
		OperationTimeout: p.cnf.RedisTimeout(),
	})
	if err != nil {
		_ = ds.Close()
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	p.redis = rdb

	p.notifier = notification.NewSlackNotifier(p.cnf.Notification.Slack.WebhookUrl, &http.Client{Timeout: 5 * time.Second})
	p.engine = payflow.NewEngine(p.cnf, ds, rdb.Client(),
		payflow.WithQueue(p.queue),
		payflow.WithGateways(payflow.NewGatewayRegistryFromConfig(p.cnf.Payout)),
		payflow.WithNotifier(p.notifier),
		payflow.WithCache(cache.NewCache(rdb.Client(), time.Minute)),
		payflow.WithObserver(observer),
	)
	return nil
}

func (p *payflowInstance) close() {
	if p.queue != nil {
		if err := p.queue.Close(); err != nil {
			logrus.Warnf("error closing queue: %v", err)
		}
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
	if p.ds != nil {
		_ = p.ds.Close()
	}
}

// NewCLI creates the root command and its subcommands.
func NewCLI() *Payflow {
	var configFile string
	app := &payflowInstance{}

	rootCmd := &cobra.Command{
		Use:          "payflow",
		Short:        "Financial job processing engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./payflow.json", "Configuration file for payflow")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(enqueueCommands(app))
	rootCmd.AddCommand(queueCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Payflow{cmd: rootCmd}
}

func (p Payflow) executeCLI() {
	if err := p.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
