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
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/apierror"
	"github.com/blnkfinance/payflow/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// opsQueue is the queue surface the ops endpoints use. *payflow.Queue implements it.
type opsQueue interface {
	Stats(ctx context.Context, queue string) (*payflow.QueueStats, error)
	GetJob(ctx context.Context, queue, id string) (*payflow.JobInfo, error)
	EnqueueRaw(ctx context.Context, queue string, jobType payflow.JobType, raw []byte, opts ...payflow.EnqueueOption) (string, error)
}

type opsAPI struct {
	conf      config.OpsConfig
	ds        database.IDataSource
	queue     opsQueue
	pingRedis func(ctx context.Context) error
}

func newOpsRouter(app *payflowInstance) *gin.Engine {
	ops := &opsAPI{
		conf:  app.cnf.Ops,
		ds:    app.engine.DataSource(),
		queue: app.queue,
		pingRedis: func(ctx context.Context) error {
			return app.redis.Client().Ping(ctx).Err()
		},
	}
	r := ops.Router()

	monitor := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: app.connOpt,
	})
	r.Any("/monitoring/*any", gin.WrapH(monitor))
	return r
}

// Router registers the read-only lookups, health, metrics and the gateway callback intake.
func (o *opsAPI) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("payflow-ops"), rateLimit(o.conf))

	r.GET("/health", o.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/queues", o.QueueStats)
	r.GET("/queues/:queue/jobs/:id", o.GetJob)
	r.GET("/failed-jobs", o.ListFailedJobs)

	r.GET("/accounts/:id", o.GetAccount)
	r.GET("/accounts/:id/entries", o.ListLedgerEntries)
	r.GET("/withdrawals/:id", o.GetWithdrawal)
	r.GET("/deposits/:id", o.GetDeposit)

	callbacks := r.Group("/callbacks", requireSecretKey(o.conf.SecretKey))
	callbacks.POST("/:gateway", o.GatewayCallback)
	return r
}

func (o *opsAPI) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"database": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := o.ds.Ping(ctx); err != nil {
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := o.pingRedis(ctx); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (o *opsAPI) QueueStats(c *gin.Context) {
	out := make([]*payflow.QueueStats, 0, len(payflow.Queues()))
	for _, q := range payflow.Queues() {
		stats, err := o.queue.Stats(c.Request.Context(), q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, out)
}

func (o *opsAPI) GetJob(c *gin.Context) {
	job, err := o.queue.GetJob(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if errors.Is(err, asynq.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (o *opsAPI) ListFailedJobs(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, err := o.ds.ListFailedJobs(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (o *opsAPI) GetAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	account, err := o.ds.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (o *opsAPI) ListLedgerEntries(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	entries, err := o.ds.ListLedgerEntries(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (o *opsAPI) GetWithdrawal(c *gin.Context) {
	w, err := o.ds.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (o *opsAPI) GetDeposit(c *gin.Context) {
	d, err := o.ds.GetDeposit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GatewayCallback validates a gateway callback and queues it for processing. The gateway
// named in the path must match the payload.
func (o *opsAPI) GatewayCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := payflow.DecodePayload(payflow.JobProcessGatewayCallback, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cb := p.(*payflow.GatewayCallbackJob)
	if cb.Gateway != c.Param("gateway") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gateway does not match callback url"})
		return
	}

	id, err := o.queue.EnqueueRaw(c.Request.Context(), payflow.QueuePayments, payflow.JobProcessGatewayCallback, body,
		payflow.WithJobID(string(payflow.JobProcessGatewayCallback)+":"+cb.Gateway+":"+cb.TransactionID+":"+cb.Status),
		payflow.WithPriority(payflow.PriorityCritical))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}
