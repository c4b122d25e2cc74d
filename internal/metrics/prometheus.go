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

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobObserver receives job, queue and ledger events from the engine.
type JobObserver interface {
	ObserveJob(queue, jobType, outcome string, duration time.Duration)
	SetQueueDepth(queue, state string, n int)
	IncDeadlockRetry()
	IncRowSkip()
	IncPermanentFailure(queue, jobType string)
}

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_jobs_processed_total",
		Help: "Jobs handled by the worker pool, by outcome",
	}, []string{"queue", "job_type", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_job_duration_seconds",
		Help:    "Time spent inside job processors",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "job_type"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payflow_queue_jobs",
		Help: "Jobs per queue and state as of the last health sweep",
	}, []string{"queue", "state"})
	deadlockRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_ledger_deadlock_retries_total",
		Help: "Ledger transactions retried after a deadlock or serialization failure",
	})
	rowSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_ledger_row_skips_total",
		Help: "Ledger transactions deferred because an account row was locked",
	})
	permanentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_jobs_failed_permanently_total",
		Help: "Jobs recorded as permanent failures",
	}, []string{"queue", "job_type"})
)

type prometheusObserver struct{}

func NewPrometheusObserver() JobObserver {
	return &prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) ObserveJob(queue, jobType, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(queue, jobType, outcome).Inc()
	jobDuration.WithLabelValues(queue, jobType).Observe(duration.Seconds())
}

func (p *prometheusObserver) SetQueueDepth(queue, state string, n int) {
	queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

func (p *prometheusObserver) IncDeadlockRetry() {
	deadlockRetries.Inc()
}

func (p *prometheusObserver) IncRowSkip() {
	rowSkips.Inc()
}

func (p *prometheusObserver) IncPermanentFailure(queue, jobType string) {
	permanentFailures.WithLabelValues(queue, jobType).Inc()
}

// Noop discards every observation.
type Noop struct{}

func (Noop) ObserveJob(string, string, string, time.Duration) {}
func (Noop) SetQueueDepth(string, string, int)                {}
func (Noop) IncDeadlockRetry()                                {}
func (Noop) IncRowSkip()                                      {}
func (Noop) IncPermanentFailure(string, string)               {}
