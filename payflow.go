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

package payflow

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/cache"
	"github.com/blnkfinance/payflow/internal/dedup"
	redlock "github.com/blnkfinance/payflow/internal/lock"
	"github.com/blnkfinance/payflow/internal/metrics"
	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/blnkfinance/payflow/internal/retry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("payflow")

var errNoQueue = errors.New("engine has no queue configured")

// Enqueuer is the part of the queue abstraction processors need to hand work downstream.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, jobType JobType, p Payload, opts ...EnqueueOption) (string, error)
}

// Engine holds every collaborator a job processor needs. It is built once at process
// start and shared by all worker pools.
type Engine struct {
	cfg      *config.Configuration
	ds       database.IDataSource
	redis    redis.UniversalClient
	locks    *redlock.Manager
	dedup    *dedup.Store
	cache    cache.Cache
	queue    Enqueuer
	gateways *GatewayRegistry
	notifier notification.Notifier
	observer metrics.JobObserver
	retry    retry.Policy
	now      func() time.Time
	handlers map[JobType]jobHandler
}

type Option func(*Engine)

func WithQueue(q Enqueuer) Option {
	return func(e *Engine) { e.queue = q }
}

func WithGateways(g *GatewayRegistry) Option {
	return func(e *Engine) { e.gateways = g }
}

func WithNotifier(n notification.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithObserver(o metrics.JobObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces time.Now, mainly for reports and maintenance cut-offs in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine from configuration. Collaborators not supplied through
// options are derived from cfg and rdb.
func NewEngine(cfg *config.Configuration, ds database.IDataSource, rdb redis.UniversalClient, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		ds:    ds,
		redis: rdb,
		locks: redlock.NewManager(rdb, cfg.RedisTimeout()),
		dedup: dedup.NewStore(rdb, cfg.RedisTimeout()),
		retry: retry.Policy{
			BaseDelay:   time.Duration(cfg.Ledger.RetryBaseDelayMs) * time.Millisecond,
			Multiplier:  cfg.Ledger.RetryMultiplier,
			MaxAttempts: cfg.Ledger.MaxDeadlockRetries,
			Jitter:      cfg.Ledger.RetryJitter,
			MaxDelay:    time.Duration(cfg.Ledger.RetryMaxDelayMs) * time.Millisecond,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.NewCache(rdb, time.Minute)
	}
	if e.notifier == nil {
		e.notifier = notification.NewSlackNotifier(cfg.Notification.Slack.WebhookUrl, nil)
	}
	if e.observer == nil {
		e.observer = metrics.Noop{}
	}
	if e.gateways == nil {
		e.gateways = NewGatewayRegistryFromConfig(cfg.Payout)
	}
	e.handlers = e.registerHandlers()
	return e
}

func (e *Engine) Config() *config.Configuration {
	return e.cfg
}

func (e *Engine) DataSource() database.IDataSource {
	return e.ds
}

// Process runs the processor registered for jobType. The payload must already be decoded
// and validated, see DecodePayload.
func (e *Engine) Process(ctx context.Context, jobType JobType, p Payload) error {
	h, ok := e.handlers[jobType]
	if !ok {
		return invalidJob("no processor for job type %q", jobType)
	}
	return h(ctx, p)
}

func (e *Engine) enqueue(ctx context.Context, queue string, jobType JobType, p Payload, opts ...EnqueueOption) error {
	if e.queue == nil {
		return errNoQueue
	}
	_, err := e.queue.Enqueue(ctx, queue, jobType, p, opts...)
	return err
}

// jobID derives a deterministic id so that repeating a follow-up enqueue is collapsed by
// the queue.
func jobID(jobType JobType, parts ...interface{}) string {
	id := string(jobType)
	for _, p := range parts {
		id += fmt.Sprintf(":%v", p)
	}
	return id
}

type jobHandler func(ctx context.Context, p Payload) error

// typed adapts a processor taking a concrete payload variant.
func typed[P Payload](fn func(ctx context.Context, p P) error) jobHandler {
	return func(ctx context.Context, p Payload) error {
		v, ok := p.(P)
		if !ok {
			return invalidJob("unexpected payload %T", p)
		}
		return fn(ctx, v)
	}
}

func (e *Engine) registerHandlers() map[JobType]jobHandler {
	return map[JobType]jobHandler{
		JobProcessDeposit:      typed(e.ProcessDeposit),
		JobApplyDepositBonus:   typed(e.ApplyDepositBonus),
		JobUpdateDepositStatus: typed(e.UpdateDepositStatus),

		JobProcessWithdrawal:      typed(e.ProcessWithdrawal),
		JobAdminApproval:          typed(e.ProcessAdminApproval),
		JobProcessAdminApproval:   typed(e.ProcessAdminApproval),
		JobPaymentProcessing:      typed(e.ProcessPayment),
		JobUpdateWithdrawalStatus: typed(e.UpdateWithdrawalStatus),
		JobRefundWithdrawal:       typed(e.RefundWithdrawal),

		JobApplyBonus:     typed(e.ApplyRegistrationBonus),
		JobRecordReferral: typed(e.RecordReferral),

		JobProcessDepositCallback:    typed(e.ProcessDepositCallback),
		JobProcessWithdrawalCallback: typed(e.ProcessWithdrawalCallback),
		JobCheckPaymentStatus:        typed(e.CheckPaymentStatus),
		JobRetryPayment:              typed(e.RetryPayment),
		JobProcessGatewayCallback:    typed(e.ProcessGatewayCallback),

		JobNotifyAdmin:         typed(e.NotifyAdmin),
		JobGenerateAdminReport: typed(e.GenerateAdminReport),
	}
}

func hours(n int) time.Duration {
	return time.Duration(n) * time.Hour
}
