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

	"github.com/blnkfinance/payflow/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHousekeeper struct {
	mu       sync.Mutex
	stats    map[string]*QueueStats
	cleaned  map[JobState]int
	evicted  int
	archived map[string][]*JobInfo
	err      error
	calls    int
}

func (f *fakeHousekeeper) Clean(_ context.Context, _ string, _ time.Duration, _ int, state JobState) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.cleaned[state], f.err
}

func (f *fakeHousekeeper) EvictInvalid(context.Context, string, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted, f.err
}

func (f *fakeHousekeeper) Stats(_ context.Context, queue string) (*QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.stats[queue]; ok {
		return s, nil
	}
	return &QueueStats{Queue: queue}, nil
}

func (f *fakeHousekeeper) ListArchived(_ context.Context, queue string, _ int) ([]*JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[queue], f.err
}

func TestMaintenance_CleansEveryQueue(t *testing.T) {
	env := newTestEnv(t)
	admin := &fakeHousekeeper{cleaned: map[JobState]int{StateCompleted: 7, StateFailed: 2}, evicted: 1}

	report := NewMaintenanceProcessor(env.engine, admin).RunOnce(context.Background())
	for _, q := range Queues() {
		assert.Equal(t, 9, report.Cleaned[q], q)
		assert.Equal(t, 1, report.Evicted[q], q)
	}
	assert.Equal(t, 2*len(Queues()), admin.calls)
	assert.Zero(t, report.Alerts)
}

func TestMaintenance_QueueErrorsDoNotStopTheRun(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "0.00")
	admin := &fakeHousekeeper{err: errors.New("redis down")}

	report := NewMaintenanceProcessor(env.engine, admin).RunOnce(context.Background())
	assert.Zero(t, report.Cleaned[QueueDeposits])
	assert.Equal(t, 1, report.BonusesQueued)
}

func TestMaintenance_HealthAlertsAreDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	admin := &fakeHousekeeper{stats: map[string]*QueueStats{
		QueueDeposits: {Queue: QueueDeposits, Pending: 40, Retry: 20},
		QueuePayments: {Queue: QueuePayments, Processed: 100, Failed: 25},
	}}
	p := NewMaintenanceProcessor(env.engine, admin)

	report := p.RunOnce(context.Background())
	assert.Equal(t, 2, report.Alerts)
	assert.ElementsMatch(t, []string{"Queue backlog", "Queue failure rate"}, env.notifier.titles())
	for _, a := range env.notifier.alerts {
		assert.Contains(t, []string{EventQueueBacklog, EventQueueFailureRate}, a.Fields["event"])
	}

	report = p.RunOnce(context.Background())
	assert.Zero(t, report.Alerts)
	assert.Len(t, env.notifier.titles(), 2)
}

func TestMaintenance_RecordsArchivedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	failedAt := time.Now().Add(-time.Minute).UTC()

	// Already recorded by the handler; must not be recorded twice.
	require.NoError(t, env.ds.RecordFailedJob(ctx, &model.FailedJob{JobID: "retryPayment:W-1", Queue: QueuePayments, JobType: string(JobRetryPayment)}))

	admin := &fakeHousekeeper{archived: map[string][]*JobInfo{
		QueuePayments: {
			{ID: "retryPayment:W-1", JobType: JobRetryPayment, Envelope: &Envelope{JobID: "retryPayment:W-1"}},
			{
				ID:           "checkPaymentStatus:W-2",
				JobType:      JobCheckPaymentStatus,
				Retried:      2,
				LastErr:      "asynq: task lease expired",
				LastFailedAt: failedAt,
				Envelope:     &Envelope{JobID: "checkPaymentStatus:W-2", Payload: []byte(`{"orderId":"W-2"}`)},
			},
		},
	}}
	p := NewMaintenanceProcessor(env.engine, admin)

	report := p.RunOnce(ctx)
	assert.Equal(t, 1, report.FailedJobsFound)

	failed, err := env.ds.ListFailedJobs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "checkPaymentStatus:W-2", failed[0].JobID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "asynq: task lease expired", failed[0].Error)
	assert.True(t, failed[0].FailedAt.Equal(failedAt))
	assert.JSONEq(t, `{"orderId":"W-2"}`, string(failed[0].Payload))
	assert.Contains(t, env.notifier.titles(), "Job failed permanently")

	report = p.RunOnce(ctx)
	assert.Zero(t, report.FailedJobsFound)
	failed, _ = env.ds.ListFailedJobs(ctx, 10, 0)
	assert.Len(t, failed, 2)
}

func TestJobInfo_FailedJobID(t *testing.T) {
	assert.Equal(t, "job-1", (&JobInfo{ID: "task-1", Envelope: &Envelope{JobID: "job-1"}}).FailedJobID())
	assert.Equal(t, "task-1", (&JobInfo{ID: "task-1", Envelope: &Envelope{}}).FailedJobID())
	assert.Equal(t, "task-1", (&JobInfo{ID: "task-1"}).FailedJobID())
}

func TestMaintenance_PrunesFailedJobRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -(env.cfg.Maintenance.FailedJobRecordDays + 1))
	require.NoError(t, env.ds.RecordFailedJob(ctx, &model.FailedJob{JobID: "old", Queue: QueueAdmin, FailedAt: old}))
	require.NoError(t, env.ds.RecordFailedJob(ctx, &model.FailedJob{JobID: "new", Queue: QueueAdmin}))

	report := NewMaintenanceProcessor(env.engine, &fakeHousekeeper{}).RunOnce(ctx)
	assert.Equal(t, int64(1), report.FailedJobsPruned)

	left, err := env.ds.ListFailedJobs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].JobID)
}

func TestMaintenance_SweepsMissingRegistrationBonuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, 1, "0.00")
	env.account(t, 2, "0.00")
	env.account(t, 3, "0.00")
	require.NoError(t, env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 2}))
	// Recorded as done in the dedup store but not on the account.
	require.NoError(t, env.engine.dedup.Set(ctx, registrationBonusKey(3), time.Hour))

	p := NewMaintenanceProcessor(env.engine, &fakeHousekeeper{})
	report := p.RunOnce(ctx)
	assert.Equal(t, 1, report.BonusesQueued)

	jobs := env.queue.ofType(JobApplyBonus)
	require.Len(t, jobs, 1)
	assert.Equal(t, QueueRegistration, jobs[0].Queue)
	assert.Equal(t, int64(1), jobs[0].Payload.(*RegistrationBonusJob).AccountID)

	// A second pass reuses the job id.
	p.RunOnce(ctx)
	assert.Len(t, env.queue.ofType(JobApplyBonus), 1)
}

func TestMaintenance_RechecksStuckPayments(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	stale := now.Add(-time.Duration(env.cfg.Maintenance.StuckPaymentMinutes+5) * time.Minute)
	env.ds.SeedWithdrawal(model.WithdrawalRequest{
		OrderID: "W-stuck", AccountID: 1, Amount: decimal.NewFromInt(10),
		Status: model.WithdrawalProcessing, CreatedAt: stale, UpdatedAt: stale,
	})
	env.ds.SeedWithdrawal(model.WithdrawalRequest{
		OrderID: "W-fresh", AccountID: 1, Amount: decimal.NewFromInt(10),
		Status: model.WithdrawalProcessing, CreatedAt: now, UpdatedAt: now,
	})
	env.ds.SeedWithdrawal(model.WithdrawalRequest{
		OrderID: "W-done", AccountID: 1, Amount: decimal.NewFromInt(10),
		Status: model.WithdrawalCompleted, CreatedAt: stale, UpdatedAt: stale,
	})

	p := NewMaintenanceProcessor(env.engine, &fakeHousekeeper{})
	report := p.RunOnce(context.Background())
	assert.Equal(t, 1, report.PaymentsChecked)

	jobs := env.queue.ofType(JobCheckPaymentStatus)
	require.Len(t, jobs, 1)
	assert.Equal(t, QueuePayments, jobs[0].Queue)
	assert.Equal(t, "W-stuck", jobs[0].Payload.(*PaymentJob).OrderID)

	p.RunOnce(context.Background())
	assert.Len(t, env.queue.ofType(JobCheckPaymentStatus), 1, "same interval reuses the job id")

	now = now.Add(p.interval)
	p.RunOnce(context.Background())
	assert.Len(t, env.queue.ofType(JobCheckPaymentStatus), 2)
}

func TestMaintenance_StartStop(t *testing.T) {
	env := newTestEnv(t)
	p := NewMaintenanceProcessor(env.engine, &fakeHousekeeper{})
	p.interval = 10 * time.Millisecond

	assert.False(t, p.IsRunning())
	p.Start(context.Background())
	p.Start(context.Background())
	assert.True(t, p.IsRunning())

	env.account(t, 1, "0.00")
	assert.Eventually(t, func() bool {
		return len(env.queue.ofType(JobApplyBonus)) == 1
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())
}

func TestMaintenance_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	p := NewMaintenanceProcessor(env.engine, &fakeHousekeeper{})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	p.Stop()
	assert.False(t, p.IsRunning())
}
