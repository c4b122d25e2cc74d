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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database/mocks"
	"github.com/blnkfinance/payflow/model"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Stats(ctx context.Context, queue string) (*payflow.QueueStats, error) {
	args := m.Called(ctx, queue)
	return args.Get(0).(*payflow.QueueStats), args.Error(1)
}

func (m *mockQueue) GetJob(ctx context.Context, queue, id string) (*payflow.JobInfo, error) {
	args := m.Called(ctx, queue, id)
	job, _ := args.Get(0).(*payflow.JobInfo)
	return job, args.Error(1)
}

func (m *mockQueue) EnqueueRaw(ctx context.Context, queue string, jobType payflow.JobType, raw []byte, opts ...payflow.EnqueueOption) (string, error) {
	args := m.Called(ctx, queue, jobType, raw)
	return args.String(0), args.Error(1)
}

func newTestOps(t *testing.T) (*opsAPI, *mocks.MemoryDataSource, *mockQueue) {
	t.Helper()
	ds := mocks.NewMemoryDataSource()
	q := &mockQueue{}
	return &opsAPI{
		conf:      config.OpsConfig{SecretKey: testSecret},
		ds:        ds,
		queue:     q,
		pingRedis: func(context.Context) error { return nil },
	}, ds, q
}

const testSecret = "s3cret"

func serve(o *opsAPI, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(secretKeyHeader, testSecret)
	rec := httptest.NewRecorder()
	o.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	o, _, _ := newTestOps(t)
	rec := serve(o, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"database":"ok","redis":"ok"}`, rec.Body.String())

	o.pingRedis = func(context.Context) error { return errors.New("connection refused") }
	rec = serve(o, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestGetAccount(t *testing.T) {
	o, ds, _ := newTestOps(t)
	require.NoError(t, ds.CreateAccount(context.Background(), &model.Account{
		AccountID: 7, ReferralCode: "SEVEN", Balance: decimal.NewFromInt(12), CreatedAt: time.Now().UTC(),
	}))

	rec := serve(o, http.MethodGet, "/accounts/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(7), got.AccountID)
	assert.True(t, decimal.NewFromInt(12).Equal(got.Balance))

	assert.Equal(t, http.StatusNotFound, serve(o, http.MethodGet, "/accounts/8", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(o, http.MethodGet, "/accounts/abc", "").Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	o, _, q := newTestOps(t)
	for _, name := range payflow.Queues() {
		q.On("Stats", mock.Anything, name).Return(&payflow.QueueStats{Queue: name, Pending: 2}, nil)
	}

	rec := serve(o, http.MethodGet, "/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []payflow.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, len(payflow.Queues()))
	q.AssertExpectations(t)
}

func TestGetJobEndpoint(t *testing.T) {
	o, _, q := newTestOps(t)
	q.On("GetJob", mock.Anything, "admin", "missing").Return(nil, asynq.ErrTaskNotFound)
	q.On("GetJob", mock.Anything, "admin", "job-1").Return(&payflow.JobInfo{ID: "job-1", State: "pending"}, nil)

	assert.Equal(t, http.StatusNotFound, serve(o, http.MethodGet, "/queues/admin/jobs/missing", "").Code)
	rec := serve(o, http.MethodGet, "/queues/admin/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"pending"`)
}

func TestGatewayCallback(t *testing.T) {
	body := `{"orderId":"W-1","status":"success","transactionId":"tx-9","amount":"10.00","gateway":"acme"}`

	t.Run("queued", func(t *testing.T) {
		o, _, q := newTestOps(t)
		q.On("EnqueueRaw", mock.Anything, payflow.QueuePayments, payflow.JobProcessGatewayCallback, []byte(body)).
			Return("processGatewayCallback:acme:tx-9:success", nil)

		rec := serve(o, http.MethodPost, "/callbacks/acme", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "processGatewayCallback:acme:tx-9:success")
		q.AssertExpectations(t)
	})

	t.Run("gateway mismatch", func(t *testing.T) {
		o, _, q := newTestOps(t)
		rec := serve(o, http.MethodPost, "/callbacks/other", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		q.AssertNotCalled(t, "EnqueueRaw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid payload", func(t *testing.T) {
		o, _, _ := newTestOps(t)
		rec := serve(o, http.MethodPost, "/callbacks/acme", `{"orderId":"W-1","status":"maybe"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListFailedJobs(t *testing.T) {
	o, ds, _ := newTestOps(t)
	require.NoError(t, ds.RecordFailedJob(context.Background(), &model.FailedJob{JobID: "a", Queue: "admin"}))
	require.NoError(t, ds.RecordFailedJob(context.Background(), &model.FailedJob{JobID: "b", Queue: "admin"}))

	rec := serve(o, http.MethodGet, "/failed-jobs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.FailedJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].JobID)
}

func TestCallbackRequiresSecretKey(t *testing.T) {
	o, _, q := newTestOps(t)
	router := o.Router()
	body := `{"orderId":"W-1","status":"success","transactionId":"tx-9","amount":"10.00","gateway":"acme"}`

	req := httptest.NewRequest(http.MethodPost, "/callbacks/acme", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/callbacks/acme", strings.NewReader(body))
	req.Header.Set(secretKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	o.conf.SecretKey = ""
	assert.Equal(t, http.StatusServiceUnavailable, serve(o, http.MethodPost, "/callbacks/acme", body).Code)
	q.AssertNotCalled(t, "EnqueueRaw", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRateLimit(t *testing.T) {
	o, _, _ := newTestOps(t)
	o.conf.RequestsPerSecond = 1
	o.conf.Burst = 1
	o.conf.CleanupIntervalSec = 60
	router := o.Router()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
