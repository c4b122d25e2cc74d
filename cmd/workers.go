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
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/payflow"
	"github.com/blnkfinance/payflow/internal/metrics"
	"github.com/blnkfinance/payflow/internal/notification"
	trace "github.com/blnkfinance/payflow/internal/traces"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// workerCommands defines the "workers" command. It runs the worker pools, the maintenance
// loop, the report scheduler and the ops HTTP server until SIGINT or SIGTERM.
func workerCommands(app *payflowInstance) *cobra.Command {
	var (
		queues        []string
		noMaintenance bool
		noScheduler   bool
	)
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start payflow workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkers(ctx, app, queues, !noMaintenance, !noScheduler)
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "queues to serve (default all)")
	cmd.Flags().BoolVar(&noMaintenance, "no-maintenance", false, "do not run the maintenance loop")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not schedule the daily admin report")
	return cmd
}

func runWorkers(ctx context.Context, app *payflowInstance, queues []string, maintenance, scheduler bool) error {
	cnf := app.cnf

	shutdownTracing, err := trace.SetupTracing(ctx, cnf.ProjectName, cnf.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("error setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logrus.Warnf("error during tracing shutdown: %v", err)
		}
	}()

	if err := app.setup(metrics.NewPrometheusObserver()); err != nil {
		return err
	}
	defer app.close()

	pool, err := payflow.NewWorkerPool(app.engine, app.connOpt, queues...)
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		notification.NotifyError(app.notifier, err)
		return err
	}
	defer pool.Stop()

	if maintenance {
		m := payflow.NewMaintenanceProcessor(app.engine, app.queue)
		m.Start(ctx)
		defer m.Stop()
	}

	if scheduler {
		s, err := payflow.NewScheduler(app.queue, app.connOpt, cnf.Maintenance.ReportCron)
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return fmt.Errorf("could not start scheduler: %w", err)
		}
		defer s.Shutdown()
	}

	srv := &http.Server{
		Addr:              ":" + cnf.Queue.MonitoringPort,
		Handler:           newOpsRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("ops server listening on %s (queues at /monitoring)", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("could not start ops server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutdown signal received, draining workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("error shutting down ops server: %v", err)
	}
	return nil
}
