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
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/payflow/internal/dedup"
	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/blnkfinance/payflow/model"
	"github.com/sirupsen/logrus"
)

const sweepBatchSize = 500

// QueueHousekeeper is the queue housekeeping the maintenance loop needs. *Queue implements it.
type QueueHousekeeper interface {
	Clean(ctx context.Context, queue string, olderThan time.Duration, limit int, state JobState) (int, error)
	EvictInvalid(ctx context.Context, queue string, limit int) (int, error)
	Stats(ctx context.Context, queue string) (*QueueStats, error)
	ListArchived(ctx context.Context, queue string, limit int) ([]*JobInfo, error)
}

var _ QueueHousekeeper = (*Queue)(nil)

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	Cleaned          map[string]int `json:"cleaned"`
	Evicted          map[string]int `json:"evicted"`
	FailedJobsFound  int            `json:"failed_jobs_found"`
	FailedJobsPruned int64          `json:"failed_jobs_pruned"`
	BonusesQueued    int            `json:"bonuses_queued"`
	PaymentsChecked  int            `json:"payments_checked"`
	Alerts           int            `json:"alerts"`
}

// MaintenanceProcessor periodically prunes queue history, evicts jobs that can no longer
// be decoded, watches queue health and re-drives work that fell through the cracks.
type MaintenanceProcessor struct {
	engine   *Engine
	queues   QueueHousekeeper
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewMaintenanceProcessor(engine *Engine, queues QueueHousekeeper) *MaintenanceProcessor {
	interval := time.Duration(engine.cfg.Maintenance.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MaintenanceProcessor{
		engine:   engine,
		queues:   queues,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (p *MaintenanceProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Maintenance processor started")
}

func (p *MaintenanceProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Maintenance processor stopped")
}

func (p *MaintenanceProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *MaintenanceProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Maintenance processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Maintenance processor stop signal received")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance pass. Each step is independent; a failing step is
// logged and the rest still run.
func (p *MaintenanceProcessor) RunOnce(ctx context.Context) *MaintenanceReport {
	ctx, span := tracer.Start(ctx, "Maintenance")
	defer span.End()

	cfg := p.engine.cfg.Maintenance
	report := &MaintenanceReport{Cleaned: map[string]int{}, Evicted: map[string]int{}}

	for _, q := range Queues() {
		log := logrus.WithField("queue", q)

		// Before cleaning, so nothing archived is deleted unrecorded.
		report.FailedJobsFound += p.recordArchived(ctx, q)

		completed, err := p.queues.Clean(ctx, q, hours(cfg.CompletedRetentionHours), cfg.CleanBatchSize, StateCompleted)
		if err != nil {
			log.Errorf("failed to clean completed jobs: %v", err)
		}
		failed, err := p.queues.Clean(ctx, q, hours(cfg.FailedRetentionHours), cfg.CleanBatchSize, StateFailed)
		if err != nil {
			log.Errorf("failed to clean failed jobs: %v", err)
		}
		report.Cleaned[q] = completed + failed

		evicted, err := p.queues.EvictInvalid(ctx, q, cfg.CleanBatchSize)
		if err != nil {
			log.Errorf("failed to evict invalid jobs: %v", err)
		}
		report.Evicted[q] = evicted

		if p.checkHealth(ctx, q) {
			report.Alerts++
		}
	}

	pruned, err := p.engine.ds.DeleteFailedJobsBefore(ctx, p.engine.now().AddDate(0, 0, -cfg.FailedJobRecordDays))
	if err != nil {
		logrus.Errorf("failed to prune failed job records: %v", err)
	}
	report.FailedJobsPruned = pruned

	report.BonusesQueued = p.sweepRegistrationBonuses(ctx)
	report.PaymentsChecked = p.sweepStuckPayments(ctx)

	logrus.WithFields(logrus.Fields{
		"cleaned":          report.Cleaned,
		"evicted":          report.Evicted,
		"failed_found":     report.FailedJobsFound,
		"failed_pruned":    report.FailedJobsPruned,
		"bonuses_queued":   report.BonusesQueued,
		"payments_checked": report.PaymentsChecked,
	}).Info("maintenance run finished")
	return report
}

// recordArchived records archived jobs that never reached the error handler. asynq
// archives a job whose last attempt ended in a lease expiry without calling it.
func (p *MaintenanceProcessor) recordArchived(ctx context.Context, queue string) int {
	log := logrus.WithField("queue", queue)
	jobs, err := p.queues.ListArchived(ctx, queue, p.engine.cfg.Maintenance.CleanBatchSize)
	if err != nil {
		log.Errorf("failed to list archived jobs: %v", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.FailedJobID())
	}
	known, err := p.engine.ds.FailedJobIDs(ctx, ids)
	if err != nil {
		log.Errorf("failed to look up failed job records: %v", err)
		return 0
	}

	found := 0
	for _, j := range jobs {
		id := j.FailedJobID()
		if known[id] {
			continue
		}
		known[id] = true
		job := &model.FailedJob{
			JobID:    id,
			Queue:    queue,
			JobType:  string(j.JobType),
			Error:    j.LastErr,
			Attempts: j.Retried + 1,
			FailedAt: j.LastFailedAt,
		}
		if j.Envelope != nil {
			job.Payload = j.Envelope.Payload
		}
		log.WithField("job_id", id).Errorf("archived job was never recorded: %s", j.LastErr)
		p.engine.reportFailedJob(ctx, job)
		found++
	}
	return found
}

// checkHealth exports queue depth and raises at most one alert per queue and condition
// per notification window.
func (p *MaintenanceProcessor) checkHealth(ctx context.Context, queue string) bool {
	stats, err := p.queues.Stats(ctx, queue)
	if err != nil {
		logrus.WithField("queue", queue).Errorf("failed to read queue stats: %v", err)
		return false
	}
	obs := p.engine.observer
	obs.SetQueueDepth(queue, "waiting", stats.Waiting())
	obs.SetQueueDepth(queue, "active", stats.Active)
	obs.SetQueueDepth(queue, "archived", stats.Archived)

	cfg := p.engine.cfg.Maintenance
	var event, message string
	switch {
	case stats.Waiting() > cfg.WaitingAlertThreshold:
		event = EventQueueBacklog
		message = fmt.Sprintf("%d jobs waiting on %s", stats.Waiting(), queue)
	case stats.FailureRate() > cfg.FailureRateAlertThreshold:
		event = EventQueueFailureRate
		message = fmt.Sprintf("%.1f%% of jobs on %s failed", stats.FailureRate()*100, queue)
	default:
		return false
	}

	key := dedup.Key("queue_alert", queue, event)
	claimed, err := p.engine.dedup.Claim(ctx, key, hours(p.engine.cfg.Dedup.NotificationTTLHours))
	if err != nil || !claimed {
		return false
	}
	p.engine.alert(ctx, notification.Alert{
		Title:    eventTitles[event],
		Message:  message,
		Severity: notification.SeverityWarning,
		Fields:   map[string]string{"event": event, "queue": queue},
	})
	return true
}

// sweepRegistrationBonuses enqueues the bonus for recent accounts that never received it.
func (p *MaintenanceProcessor) sweepRegistrationBonuses(ctx context.Context) int {
	since := p.engine.now().Add(-hours(p.engine.cfg.Maintenance.BonusSweepWindowHours))
	ids, err := p.engine.ds.ListAccountsMissingRegistrationBonus(ctx, since, sweepBatchSize)
	if err != nil {
		logrus.Errorf("failed to list accounts missing registration bonus: %v", err)
		return 0
	}

	queued := 0
	for _, id := range ids {
		state, err := p.engine.dedup.Get(ctx, registrationBonusKey(id))
		if err != nil || state != dedup.Absent {
			continue
		}
		if err := p.engine.enqueue(ctx, QueueRegistration, JobApplyBonus, &RegistrationBonusJob{AccountID: id},
			WithJobID(jobID(JobApplyBonus, id)), WithPriority(PriorityLow)); err != nil {
			logrus.WithField("account_id", id).Errorf("failed to enqueue registration bonus: %v", err)
			continue
		}
		queued++
	}
	return queued
}

// sweepStuckPayments re-checks withdrawals left in processing. The job id is bucketed by
// run so a check is not repeated within one interval.
func (p *MaintenanceProcessor) sweepStuckPayments(ctx context.Context) int {
	now := p.engine.now()
	before := now.Add(-time.Duration(p.engine.cfg.Maintenance.StuckPaymentMinutes) * time.Minute)
	stuck, err := p.engine.ds.ListWithdrawalsByStatus(ctx, model.WithdrawalProcessing, before, sweepBatchSize)
	if err != nil {
		logrus.Errorf("failed to list stuck payments: %v", err)
		return 0
	}

	bucket := now.Truncate(p.interval).Unix()
	checked := 0
	for _, w := range stuck {
		if err := p.engine.enqueue(ctx, QueuePayments, JobCheckPaymentStatus, &PaymentJob{OrderID: w.OrderID},
			WithJobID(jobID(JobCheckPaymentStatus, w.OrderID, bucket))); err != nil {
			logrus.WithField("order_id", w.OrderID).Errorf("failed to enqueue payment check: %v", err)
			continue
		}
		checked++
	}
	return checked
}
