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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/payflow/model"
	"github.com/lib/pq"
)

func (d *Datasource) RecordFailedJob(ctx context.Context, job *model.FailedJob) error {
	if job.FailedAt.IsZero() {
		job.FailedAt = time.Now().UTC()
	}
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO payflow.failed_jobs (job_id, queue, job_type, payload, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, job.JobID, job.Queue, job.JobType, payload, job.Error, job.Attempts, job.FailedAt).Scan(&job.ID)
	if err != nil {
		return internalError("failed to record failed job", err)
	}
	return nil
}

func (d *Datasource) FailedJobIDs(ctx context.Context, jobIDs []string) (map[string]bool, error) {
	found := make(map[string]bool, len(jobIDs))
	if len(jobIDs) == 0 {
		return found, nil
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT job_id FROM payflow.failed_jobs WHERE job_id = ANY($1)`, pq.Array(jobIDs))
	if err != nil {
		return nil, internalError("failed to look up failed jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, internalError("failed to scan failed job id", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

func (d *Datasource) ListFailedJobs(ctx context.Context, limit, offset int) ([]model.FailedJob, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, job_id, queue, job_type, payload, error, attempts, failed_at
		FROM payflow.failed_jobs ORDER BY failed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, internalError("failed to list failed jobs", err)
	}
	defer rows.Close()

	var jobs []model.FailedJob
	for rows.Next() {
		var j model.FailedJob
		var payload []byte
		if err := rows.Scan(&j.ID, &j.JobID, &j.Queue, &j.JobType, &payload, &j.Error, &j.Attempts, &j.FailedAt); err != nil {
			return nil, internalError("failed to scan failed job", err)
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (d *Datasource) DeleteFailedJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.Conn.ExecContext(ctx, `DELETE FROM payflow.failed_jobs WHERE failed_at < $1`, before)
	if err != nil {
		return 0, internalError("failed to prune failed jobs", err)
	}
	return res.RowsAffected()
}
