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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/blnkfinance/payflow/model"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	stallKeyPrefix = "payflow:stalled:"
	stallKeyTTL    = 24 * time.Hour
)

// WorkerPool runs one asynq server per queue. Each server drains the queue's three
// priority lanes with strict priority and hands every task to a single dispatcher.
type WorkerPool struct {
	engine  *Engine
	connOpt asynq.RedisConnOpt
	stalls  redis.UniversalClient
	queues  []string
	servers map[string]*asynq.Server
}

// NewWorkerPool builds servers for queues, or for every queue when none are named.
func NewWorkerPool(engine *Engine, connOpt asynq.RedisConnOpt, queues ...string) (*WorkerPool, error) {
	if len(queues) == 0 {
		queues = Queues()
	}
	p := &WorkerPool{
		engine:  engine,
		connOpt: connOpt,
		stalls:  engine.redis,
		queues:  queues,
		servers: make(map[string]*asynq.Server, len(queues)),
	}
	for _, q := range queues {
		if _, ok := queueJobs[q]; !ok {
			return nil, fmt.Errorf("unknown queue %q", q)
		}
		p.servers[q] = asynq.NewServer(connOpt, p.serverConfig(q))
	}
	return p, nil
}

func (p *WorkerPool) serverConfig(queue string) asynq.Config {
	cfg := p.engine.cfg.Queue
	concurrency := cfg.Concurrency[queue]
	if concurrency <= 0 {
		concurrency = 1
	}
	lanes := make(map[string]int, len(laneWeights))
	for priority, weight := range laneWeights {
		lanes[Lane(queue, priority)] = weight
	}
	return asynq.Config{
		Concurrency:    concurrency,
		Queues:         lanes,
		StrictPriority: true,
		RetryDelayFunc: p.retryDelay,
		// Contention is retried without spending an attempt.
		IsFailure:       func(err error) bool { return !isContention(err) },
		ErrorHandler:    asynq.ErrorHandlerFunc(p.handleError(queue)),
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutSec) * time.Second,
		Logger:          logrus.WithField("queue", queue),
	}
}

// Start begins processing on every queue. It does not block.
func (p *WorkerPool) Start() error {
	for _, q := range p.queues {
		if err := p.servers[q].Start(p.Handler(q)); err != nil {
			return fmt.Errorf("start %s workers: %w", q, err)
		}
		logrus.WithField("queue", q).Info("workers started")
	}
	return nil
}

// Stop waits for in-flight jobs up to the shutdown timeout. Jobs still running after that
// are returned to the queue.
func (p *WorkerPool) Stop() {
	for _, q := range p.queues {
		p.servers[q].Shutdown()
		logrus.WithField("queue", q).Info("workers stopped")
	}
}

// Handler is the dispatcher for queue, wrapped with tracing, logging and metrics.
func (p *WorkerPool) Handler(queue string) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		ctx, span := tracer.Start(ctx, "Job "+t.Type(), trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		start := time.Now()
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		log := logrus.WithFields(logrus.Fields{"queue": queue, "job_type": t.Type(), "job_id": taskID, "attempt": retried + 1})
		span.SetAttributes(attribute.String("queue", queue), attribute.String("job.id", taskID))

		outcome, err := p.dispatch(ctx, queue, t)
		p.engine.observer.ObserveJob(queue, t.Type(), outcome.String(), time.Since(start))

		switch outcome {
		case OutcomeSuccess:
			log.Debug("job completed")
			return nil
		case OutcomeNoop:
			log.Infof("job skipped: %v", err)
			return nil
		case OutcomePermanent:
			span.SetStatus(codes.Error, err.Error())
			log.Errorf("job failed permanently: %v", err)
			p.recordFailure(ctx, queue, t, err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		default:
			span.RecordError(err)
			if isContention(err) {
				log.Debugf("job deferred: %v", err)
			} else {
				log.Warnf("job will be retried: %v", err)
			}
			return err
		}
	})
}

// dispatch routes a task to its processor. Unknown job types and malformed envelopes are
// permanent failures.
func (p *WorkerPool) dispatch(ctx context.Context, queue string, t *asynq.Task) (Outcome, error) {
	env, err := DecodeEnvelope(t.Payload())
	if err != nil {
		return OutcomePermanent, err
	}
	if string(env.JobType) != t.Type() || !Accepts(queue, env.JobType) {
		return OutcomePermanent, invalidJob("queue %s does not accept %s", queue, t.Type())
	}
	if err := p.checkStalls(ctx, env); err != nil {
		return Classify(err), err
	}
	payload, err := DecodePayload(env.JobType, env.Payload)
	if err != nil {
		return OutcomePermanent, err
	}
	err = p.engine.Process(ctx, env.JobType, payload)
	return Classify(err), err
}

// checkStalls fails a job whose worker died holding it more often than allowed.
func (p *WorkerPool) checkStalls(ctx context.Context, env *Envelope) error {
	if env.JobID == "" || p.stalls == nil {
		return nil
	}
	n, err := p.stalls.Get(ctx, stallKeyPrefix+env.JobID).Int()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if n > p.engine.cfg.Queue.MaxStalledCount {
		return fmt.Errorf("%w: job %s stalled %d times", ErrStalled, env.JobID, n)
	}
	return nil
}

func (p *WorkerPool) recordStall(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.engine.cfg.RedisTimeout())
	defer cancel()
	key := stallKeyPrefix + jobID
	pipe := p.stalls.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, stallKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithField("job_id", jobID).Warnf("failed to record stall: %v", err)
	}
}

// retryDelay honours the backoff stored in the envelope. A lease expiry means the worker
// died; it is counted as a stall and retried immediately.
func (p *WorkerPool) retryDelay(n int, err error, t *asynq.Task) time.Duration {
	env, decErr := DecodeEnvelope(t.Payload())
	if errors.Is(err, asynq.ErrLeaseExpired) {
		if decErr == nil && env.JobID != "" && p.stalls != nil {
			p.recordStall(env.JobID)
		}
		return 0
	}
	if decErr != nil || env.Backoff.DelayMs <= 0 {
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
	if isContention(err) {
		return env.Backoff.Delay(0)
	}
	return env.Backoff.Delay(n)
}

// handleError records jobs that used up their attempts. Permanent failures are recorded
// by the handler itself.
func (p *WorkerPool) handleError(queue string) func(ctx context.Context, t *asynq.Task, err error) {
	return func(ctx context.Context, t *asynq.Task, err error) {
		if errors.Is(err, asynq.SkipRetry) || isContention(err) {
			return
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			return
		}
		logrus.WithFields(logrus.Fields{"queue": queue, "job_type": t.Type()}).Errorf("job exhausted %d attempts: %v", retried+1, err)
		p.recordFailure(ctx, queue, t, err)
	}
}

// recordFailure reports a job the handler or error handler gave up on.
func (p *WorkerPool) recordFailure(ctx context.Context, queue string, t *asynq.Task, cause error) {
	ctx = context.WithoutCancel(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)

	job := &model.FailedJob{
		JobID:    taskID,
		Queue:    queue,
		JobType:  t.Type(),
		Payload:  json.RawMessage(t.Payload()),
		Error:    cause.Error(),
		Attempts: retried + 1,
	}
	if env, err := DecodeEnvelope(t.Payload()); err == nil {
		job.Payload = env.Payload
		if env.JobID != "" {
			job.JobID = env.JobID
		}
	} else if !json.Valid(t.Payload()) {
		job.Payload = nil
	}

	p.engine.reportFailedJob(ctx, job)
}

// reportFailedJob persists job for operators and raises an alert.
func (e *Engine) reportFailedJob(ctx context.Context, job *model.FailedJob) {
	if err := e.ds.RecordFailedJob(ctx, job); err != nil {
		logrus.WithField("job_id", job.JobID).Errorf("failed to record failed job: %v", err)
	}
	e.observer.IncPermanentFailure(job.Queue, job.JobType)
	e.alert(ctx, notification.Alert{
		Title:    eventTitles[EventJobFailed],
		Message:  fmt.Sprintf("%s on %s failed after %d attempt(s): %s", job.JobType, job.Queue, job.Attempts, job.Error),
		Severity: notification.SeverityCritical,
		Fields:   map[string]string{"event": EventJobFailed, "job_id": job.JobID, "queue": job.Queue, "job_type": job.JobType},
	})
}

// NewScheduler registers the recurring admin report on the admin queue. The cron expression is
// evaluated in UTC.
func NewScheduler(q *Queue, connOpt asynq.RedisConnOpt, reportCron string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logrus.WithField("component", "scheduler"),
	})
	if reportCron == "" {
		return s, nil
	}

	env, err := q.NewEnvelope(QueueAdmin, JobGenerateAdminReport, &AdminReportJob{})
	if err != nil {
		return nil, err
	}
	// Every run gets the id asynq assigns; a fixed id would collapse them.
	env.JobID = ""
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	entryID, err := s.Register(reportCron, asynq.NewTask(string(JobGenerateAdminReport), body),
		asynq.Queue(Lane(QueueAdmin, env.Priority)),
		asynq.MaxRetry(env.MaxAttempts-1),
	)
	if err != nil {
		return nil, fmt.Errorf("register report schedule: %w", err)
	}
	logrus.WithFields(logrus.Fields{"cron": reportCron, "entry_id": entryID}).Info("admin report scheduled")
	return s, nil
}
