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

	"github.com/blnkfinance/payflow/config"
	redis_db "github.com/blnkfinance/payflow/internal/redis-db"
	"github.com/blnkfinance/payflow/internal/retry"
	"github.com/blnkfinance/payflow/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityDefault  Priority = "default"
	PriorityLow      Priority = "low"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// laneWeights are the relative weights of a queue's priority lanes. Servers run with
// strict priority, so a lower lane is only served once the higher lanes are empty.
var laneWeights = map[Priority]int{PriorityCritical: 6, PriorityDefault: 3, PriorityLow: 1}

// Lane returns the asynq queue that holds jobs of the given priority.
func Lane(queue string, p Priority) string {
	switch p {
	case PriorityCritical, PriorityLow:
		return queue + ":" + string(p)
	default:
		return queue
	}
}

// Lanes returns the asynq queues backing queue, highest priority first.
func Lanes(queue string) []string {
	return []string{Lane(queue, PriorityCritical), Lane(queue, PriorityDefault), Lane(queue, PriorityLow)}
}

type Backoff struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delayMs"`
}

// Delay is the wait before retry number attempt (0 based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := time.Duration(b.DelayMs) * time.Millisecond
	if b.Type == BackoffFixed {
		return base
	}
	return retry.Policy{BaseDelay: base, Multiplier: 2, Jitter: 0.1, MaxDelay: time.Hour}.Delay(attempt)
}

// Envelope is the task payload stored in the queue.
type Envelope struct {
	JobID       string          `json:"jobId"`
	Queue       string          `json:"queue"`
	JobType     JobType         `json:"jobType"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalidJob("envelope: %v", err)
	}
	if env.JobType == "" {
		return nil, invalidJob("envelope has no job type")
	}
	return &env, nil
}

type enqueueOptions struct {
	jobID       string
	generatedID bool
	priority    Priority
	delay       time.Duration
	maxAttempts int
	backoff     *Backoff
}

type EnqueueOption func(*enqueueOptions)

// WithJobID sets the job id. A second enqueue with the same id is collapsed into the first
// for as long as the first is retained, whatever the priority of either.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay makes the job eligible no earlier than d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

func WithBackoff(kind string, delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.backoff = &Backoff{Type: kind, DelayMs: delay.Milliseconds()} }
}

// Queue is the asynq-backed queue abstraction shared by producers and operators.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
	now       func() time.Time
}

// NewQueue connects a client and inspector to the configured Redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return NewQueueFromConnOpt(opt, conf.Queue), nil
}

func NewQueueFromConnOpt(opt asynq.RedisConnOpt, conf config.QueueConfig) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		conf:      conf,
		now:       time.Now,
	}
}

// NewEnvelope validates p and wraps it for queue.
func (q *Queue) NewEnvelope(queue string, jobType JobType, p Payload, opts ...EnqueueOption) (*Envelope, error) {
	env, _, err := q.envelope(queue, jobType, p, opts)
	return env, err
}

func (q *Queue) envelope(queue string, jobType JobType, p Payload, opts []EnqueueOption) (*Envelope, enqueueOptions, error) {
	if !Accepts(queue, jobType) {
		return nil, enqueueOptions{}, invalidJob("queue %q does not accept %q", queue, jobType)
	}
	if err := p.Validate(); err != nil {
		return nil, enqueueOptions{}, invalidJob("%s payload: %v", jobType, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, enqueueOptions{}, invalidJob("%s payload: %v", jobType, err)
	}

	o := enqueueOptions{
		priority:    PriorityDefault,
		maxAttempts: q.conf.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.jobID == "" {
		o.jobID = model.GenerateUUIDWithSuffix("job")
		o.generatedID = true
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	backoff := Backoff{Type: q.conf.DefaultBackoffType, DelayMs: int64(q.conf.DefaultBackoffDelayMs)}
	if o.backoff != nil {
		backoff = *o.backoff
	}

	return &Envelope{
		JobID:       o.jobID,
		Queue:       queue,
		JobType:     jobType,
		Payload:     raw,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		Backoff:     backoff,
		CreatedAt:   q.now().UTC(),
	}, o, nil
}

// Enqueue adds a job to queue and returns its id.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - queue string: The target queue; it must accept jobType.
// - jobType JobType: The processor to run.
// - p Payload: The job payload, validated before it is stored.
// - opts ...EnqueueOption: Priority, delay, job id, attempts and backoff.
//
// Returns:
// - string: The job id. A duplicate id returns the existing id without error.
// - error: ErrInvalidJob for a rejected payload, or a Redis error.
//
// asynq only enforces task id uniqueness within one lane, so an explicit id is first looked
// up in the queue's other lanes. Two enqueues racing on different lanes can both land;
// processors are idempotent for that case.
func (q *Queue) Enqueue(ctx context.Context, queue string, jobType JobType, p Payload, opts ...EnqueueOption) (string, error) {
	ctx, span := tracer.Start(ctx, "Enqueue", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	env, o, err := q.envelope(queue, jobType, p, opts)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	lane := Lane(queue, env.Priority)
	log := logrus.WithFields(logrus.Fields{"job_id": env.JobID, "queue": queue, "job_type": jobType})
	if !o.generatedID {
		other, err := q.laneHolding(queue, lane, env.JobID)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if other != "" {
			log.WithField("lane", other).Info("duplicate job id, keeping existing job")
			return env.JobID, nil
		}
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(env.JobID),
		asynq.Queue(lane),
		asynq.MaxRetry(env.MaxAttempts - 1),
	}
	if q.conf.CompletedRetentionSec > 0 {
		taskOptions = append(taskOptions, asynq.Retention(time.Duration(q.conf.CompletedRetentionSec)*time.Second))
	}
	if o.delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(o.delay))
	}

	_, err = q.Client.EnqueueContext(ctx, asynq.NewTask(string(jobType), body), taskOptions...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Info("duplicate job id, keeping existing job")
		return env.JobID, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	log.Debug("job enqueued")
	return env.JobID, nil
}

// laneHolding returns the lane of queue other than skip that holds id, if any.
func (q *Queue) laneHolding(queue, skip, id string) (string, error) {
	for _, lane := range Lanes(queue) {
		if lane == skip {
			continue
		}
		_, err := q.Inspector.GetTaskInfo(lane, id)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return lane, nil
	}
	return "", nil
}

// EnqueueRaw decodes and validates an untyped payload before enqueuing it.
func (q *Queue) EnqueueRaw(ctx context.Context, queue string, jobType JobType, raw []byte, opts ...EnqueueOption) (string, error) {
	p, err := DecodePayload(jobType, raw)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, queue, jobType, p, opts...)
}

type JobInfo struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	Lane          string    `json:"lane"`
	JobType       JobType   `json:"job_type"`
	State         string    `json:"state"`
	Retried       int       `json:"retried"`
	MaxRetry      int       `json:"max_retry"`
	LastErr       string    `json:"last_error,omitempty"`
	LastFailedAt  time.Time `json:"last_failed_at,omitempty"`
	NextProcessAt time.Time `json:"next_process_at,omitempty"`
	Envelope      *Envelope `json:"envelope,omitempty"`
}

func newJobInfo(queue, lane string, info *asynq.TaskInfo) *JobInfo {
	job := &JobInfo{
		ID:            info.ID,
		Queue:         queue,
		Lane:          lane,
		JobType:       JobType(info.Type),
		State:         info.State.String(),
		Retried:       info.Retried,
		MaxRetry:      info.MaxRetry,
		LastErr:       info.LastErr,
		LastFailedAt:  info.LastFailedAt,
		NextProcessAt: info.NextProcessAt,
	}
	if env, err := DecodeEnvelope(info.Payload); err == nil {
		job.Envelope = env
	}
	return job
}

// FailedJobID is the id a failure of this job is recorded under: the envelope's job id,
// or the asynq task id for jobs enqueued without one.
func (j *JobInfo) FailedJobID() string {
	if j.Envelope != nil && j.Envelope.JobID != "" {
		return j.Envelope.JobID
	}
	return j.ID
}

// GetJob looks a job up in every lane of queue.
func (q *Queue) GetJob(_ context.Context, queue, id string) (*JobInfo, error) {
	for _, lane := range Lanes(queue) {
		info, err := q.Inspector.GetTaskInfo(lane, id)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return newJobInfo(queue, lane, info), nil
	}
	return nil, fmt.Errorf("job %q: %w", id, asynq.ErrTaskNotFound)
}

type JobState string

const (
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

const listPageSize = 100

// Clean deletes up to limit jobs of the given state that finished more than olderThan ago.
// Failed means permanently failed (archived) jobs.
func (q *Queue) Clean(_ context.Context, queue string, olderThan time.Duration, limit int, state JobState) (int, error) {
	cutoff := q.now().Add(-olderThan)
	deleted := 0
	for _, lane := range Lanes(queue) {
		ids, err := q.listOlder(lane, state, cutoff, limit-deleted)
		if err != nil {
			return deleted, err
		}
		for _, id := range ids {
			if err := q.Inspector.DeleteTask(lane, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
				return deleted, err
			}
			deleted++
		}
		if deleted >= limit {
			break
		}
	}
	return deleted, nil
}

func (q *Queue) listOlder(lane string, state JobState, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	for page := 1; len(ids) < limit; page++ {
		var tasks []*asynq.TaskInfo
		var err error
		switch state {
		case StateCompleted:
			tasks, err = q.Inspector.ListCompletedTasks(lane, asynq.PageSize(listPageSize), asynq.Page(page))
		case StateFailed:
			tasks, err = q.Inspector.ListArchivedTasks(lane, asynq.PageSize(listPageSize), asynq.Page(page))
		default:
			return nil, fmt.Errorf("cannot clean jobs in state %q", state)
		}
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			finished := t.CompletedAt
			if state == StateFailed {
				finished = t.LastFailedAt
			}
			if finished.Before(cutoff) && len(ids) < limit {
				ids = append(ids, t.ID)
			}
		}
		if len(tasks) < listPageSize {
			break
		}
	}
	return ids, nil
}

// ListArchived returns up to limit jobs of queue that will not run again.
func (q *Queue) ListArchived(_ context.Context, queue string, limit int) ([]*JobInfo, error) {
	var jobs []*JobInfo
	for _, lane := range Lanes(queue) {
		for page := 1; len(jobs) < limit; page++ {
			tasks, err := q.Inspector.ListArchivedTasks(lane, asynq.PageSize(listPageSize), asynq.Page(page))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				break
			}
			if err != nil {
				return nil, err
			}
			for _, t := range tasks {
				if len(jobs) >= limit {
					break
				}
				jobs = append(jobs, newJobInfo(queue, lane, t))
			}
			if len(tasks) < listPageSize {
				break
			}
		}
	}
	return jobs, nil
}

// EvictInvalid deletes up to limit pending or archived jobs whose payload no longer decodes
// into a known job variant.
func (q *Queue) EvictInvalid(_ context.Context, queue string, limit int) (int, error) {
	evicted := 0
	for _, lane := range Lanes(queue) {
		for _, list := range []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
			q.Inspector.ListPendingTasks, q.Inspector.ListArchivedTasks,
		} {
			tasks, err := list(lane, asynq.PageSize(limit))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				break
			}
			if err != nil {
				return evicted, err
			}
			for _, t := range tasks {
				if evicted >= limit {
					return evicted, nil
				}
				if validTask(queue, t.Type, t.Payload) {
					continue
				}
				if err := q.Inspector.DeleteTask(lane, t.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
					return evicted, err
				}
				logrus.WithFields(logrus.Fields{"job_id": t.ID, "queue": queue, "job_type": t.Type}).Warn("evicted job with invalid payload")
				evicted++
			}
		}
	}
	return evicted, nil
}

func validTask(queue, taskType string, payload []byte) bool {
	env, err := DecodeEnvelope(payload)
	if err != nil || string(env.JobType) != taskType || !Accepts(queue, env.JobType) {
		return false
	}
	_, err = DecodePayload(env.JobType, env.Payload)
	return err == nil
}

// QueueStats sums the state counts of every lane of a queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Waiting counts jobs not yet claimed by a worker.
func (s QueueStats) Waiting() int {
	return s.Pending + s.Scheduled + s.Retry
}

// FailureRate is failed over processed, lifetime totals.
func (s QueueStats) FailureRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Processed)
}

func (q *Queue) Stats(_ context.Context, queue string) (*QueueStats, error) {
	stats := &QueueStats{Queue: queue}
	for _, lane := range Lanes(queue) {
		info, err := q.Inspector.GetQueueInfo(lane)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.Pending += info.Pending
		stats.Active += info.Active
		stats.Scheduled += info.Scheduled
		stats.Retry += info.Retry
		stats.Archived += info.Archived
		stats.Completed += info.Completed
		stats.Processed += info.ProcessedTotal
		stats.Failed += info.FailedTotal
	}
	return stats, nil
}

func (q *Queue) Close() error {
	return errors.Join(q.Client.Close(), q.Inspector.Close())
}
