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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusObserver(t *testing.T) {
	obs := NewPrometheusObserver()

	before := testutil.ToFloat64(jobsProcessed.WithLabelValues("deposits", "processDeposit", "completed"))
	obs.ObserveJob("deposits", "processDeposit", "completed", 15*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsProcessed.WithLabelValues("deposits", "processDeposit", "completed")))

	obs.SetQueueDepth("withdrawals", "pending", 12)
	assert.Equal(t, float64(12), testutil.ToFloat64(queueDepth.WithLabelValues("withdrawals", "pending")))

	skips := testutil.ToFloat64(rowSkips)
	obs.IncRowSkip()
	assert.Equal(t, skips+1, testutil.ToFloat64(rowSkips))

	retries := testutil.ToFloat64(deadlockRetries)
	obs.IncDeadlockRetry()
	assert.Equal(t, retries+1, testutil.ToFloat64(deadlockRetries))

	obs.IncPermanentFailure("admin", "notifyAdmin")
	assert.Equal(t, float64(1), testutil.ToFloat64(permanentFailures.WithLabelValues("admin", "notifyAdmin")))
}

func TestNoop(t *testing.T) {
	var obs JobObserver = Noop{}
	obs.ObserveJob("q", "t", "completed", time.Second)
	obs.SetQueueDepth("q", "pending", 1)
	obs.IncDeadlockRetry()
	obs.IncRowSkip()
	obs.IncPermanentFailure("q", "t")
}

func TestHandler(t *testing.T) {
	assert.NotNil(t, Handler())
}
