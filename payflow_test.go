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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database/mocks"
	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/blnkfinance/payflow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedJob struct {
	Queue   string
	Type    JobType
	ID      string
	Payload Payload
}

// recordingQueue collects enqueued jobs and collapses duplicate job ids like the real queue.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []recordedJob
	ids  map[string]bool
	err  error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{ids: map[string]bool{}}
}

func (q *recordingQueue) Enqueue(_ context.Context, queue string, jobType JobType, p Payload, opts ...EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if !Accepts(queue, jobType) {
		return "", invalidJob("queue %s does not accept %s", queue, jobType)
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.jobID == "" {
		o.jobID = model.GenerateUUIDWithSuffix("job")
	}
	if q.ids[o.jobID] {
		return o.jobID, nil
	}
	q.ids[o.jobID] = true
	q.jobs = append(q.jobs, recordedJob{Queue: queue, Type: jobType, ID: o.jobID, Payload: p})
	return o.jobID, nil
}

func (q *recordingQueue) ofType(jobType JobType) []recordedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []recordedJob
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, a := range n.alerts {
		out = append(out, a.Title)
	}
	return out
}

type testEnv struct {
	engine   *Engine
	ds       *mocks.MemoryDataSource
	queue    *recordingQueue
	notifier *recordingNotifier
	redis    *miniredis.Miniredis
	cfg      *config.Configuration
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Defaults()
	cfg.Ledger.RetryBaseDelayMs = 1
	cfg.Ledger.RetryMaxDelayMs = 5

	env := &testEnv{
		ds:       mocks.NewMemoryDataSource(),
		queue:    newRecordingQueue(),
		notifier: &recordingNotifier{},
		redis:    mr,
		cfg:      cfg,
	}
	opts = append([]Option{WithQueue(env.queue), WithNotifier(env.notifier)}, opts...)
	env.engine = NewEngine(cfg, env.ds, rdb, opts...)
	return env
}

func (env *testEnv) account(t *testing.T, id int64, balance string) *model.Account {
	t.Helper()
	a := &model.Account{
		AccountID:    id,
		ReferralCode: gofakeit.LetterN(8),
		Balance:      decimal.RequireFromString(balance),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, env.ds.CreateAccount(context.Background(), a))
	return a
}

func (env *testEnv) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	a, err := env.ds.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, env *testEnv, id int64, want string) {
	t.Helper()
	got := env.balance(t, id)
	assert.True(t, got.Equal(amount(want)), "balance of %d: want %s, got %s", id, want, got)
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "applyDepositBonus:42", jobID(JobApplyDepositBonus, int64(42)))
	assert.Equal(t, "notifyAdmin:withdrawal_requested:W1", jobID(JobNotifyAdmin, EventWithdrawalRequested, "W1"))
}

func TestEngine_ProcessUnknownJobType(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Process(context.Background(), JobType("mintMoney"), &PaymentJob{OrderID: "X"})
	assert.True(t, errors.Is(err, ErrInvalidJob))
	assert.Equal(t, OutcomePermanent, Classify(err))
}

func TestEngine_ProcessWrongPayloadVariant(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Process(context.Background(), JobProcessDeposit, &PaymentJob{OrderID: "X"})
	assert.True(t, errors.Is(err, ErrInvalidJob))
}

func TestEngine_NoQueueConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.engine.queue = nil
	err := env.engine.enqueue(context.Background(), QueueAdmin, JobNotifyAdmin, &NotifyAdminJob{Event: "x"})
	assert.ErrorIs(t, err, errNoQueue)
}
