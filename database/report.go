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
)

// GetDailySummary aggregates ledger activity for the UTC day containing day.
func (d *Datasource) GetDailySummary(ctx context.Context, day time.Time) (*model.AdminReport, error) {
	ctx, span := tracer.Start(ctx, "GetDailySummary")
	defer span.End()

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	r := &model.AdminReport{ReportDate: start}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'deposit'), 0),
			COUNT(*) FILTER (WHERE entry_type = 'deposit'),
			COALESCE(-SUM(amount) FILTER (WHERE entry_type = 'withdrawal' AND status = 'completed'), 0),
			COUNT(*) FILTER (WHERE entry_type = 'withdrawal' AND status = 'completed'),
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('deposit_bonus', 'registration_bonus', 'referral')), 0),
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'refund'), 0)
		FROM payflow.ledger_entries
		WHERE created_at >= $1 AND created_at < $2`, start, end).
		Scan(&r.TotalDeposits, &r.DepositCount, &r.TotalWithdrawals, &r.WithdrawalCount, &r.TotalBonuses, &r.TotalRefunds)
	if err != nil {
		return nil, internalError("failed to aggregate ledger", err)
	}

	err = d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM payflow.withdrawal_requests WHERE status = 'pending'`).
		Scan(&r.PendingWithdrawals)
	if err != nil {
		return nil, internalError("failed to count pending withdrawals", err)
	}
	return r, nil
}

// SaveAdminReport upserts the report for its date, so regenerating a day is harmless.
func (d *Datasource) SaveAdminReport(ctx context.Context, r *model.AdminReport) error {
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payflow.admin_reports (report_date, total_deposits, deposit_count, total_withdrawals, withdrawal_count,
			total_bonuses, total_refunds, pending_withdrawals, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (report_date) DO UPDATE SET
			total_deposits = EXCLUDED.total_deposits, deposit_count = EXCLUDED.deposit_count,
			total_withdrawals = EXCLUDED.total_withdrawals, withdrawal_count = EXCLUDED.withdrawal_count,
			total_bonuses = EXCLUDED.total_bonuses, total_refunds = EXCLUDED.total_refunds,
			pending_withdrawals = EXCLUDED.pending_withdrawals, generated_at = EXCLUDED.generated_at`,
		r.ReportDate, r.TotalDeposits, r.DepositCount, r.TotalWithdrawals, r.WithdrawalCount,
		r.TotalBonuses, r.TotalRefunds, r.PendingWithdrawals, r.GeneratedAt)
	if err != nil {
		return internalError("failed to save admin report", err)
	}
	return nil
}
