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

const withdrawalColumns = `order_id, account_id, amount, payout_method, gateway, status, admin_id, admin_decision,
	admin_notes, failure_reason, gateway_transaction_id, created_at, updated_at`

func scanWithdrawal(row rowScanner) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := row.Scan(&w.OrderID, &w.AccountID, &w.Amount, &w.PayoutMethod, &w.Gateway, &w.Status, &w.AdminID,
		&w.AdminDecision, &w.AdminNotes, &w.FailureReason, &w.GatewayTransactionID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (d *Datasource) GetWithdrawal(ctx context.Context, orderID string) (*model.WithdrawalRequest, error) {
	ctx, span := tracer.Start(ctx, "GetWithdrawal")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM payflow.withdrawal_requests WHERE order_id = $1`, orderID)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, rowError(err, "withdrawal", orderID)
	}
	return w, nil
}

func (d *Datasource) ListWithdrawalsByStatus(ctx context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]model.WithdrawalRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM payflow.withdrawal_requests
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, status, updatedBefore, limit)
	if err != nil {
		return nil, internalError("failed to list withdrawals", err)
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, internalError("failed to scan withdrawal", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// GetWithdrawalForUpdate locks the request row without waiting.
func (t *pgTx) GetWithdrawalForUpdate(ctx context.Context, orderID string) (*model.WithdrawalRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM payflow.withdrawal_requests
		WHERE order_id = $1 FOR UPDATE SKIP LOCKED`, orderID)
	w, err := scanWithdrawal(row)
	if err == nil {
		return w, nil
	}
	if !isNoRows(err) {
		return nil, internalError("failed to lock withdrawal", err)
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payflow.withdrawal_requests WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, internalError("failed to check withdrawal", err)
	}
	if exists {
		return nil, ErrRowLocked
	}
	return nil, notFound("withdrawal", orderID)
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.withdrawal_requests (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.OrderID, w.AccountID, w.Amount, w.PayoutMethod, w.Gateway, w.Status, w.AdminID, w.AdminDecision,
		w.AdminNotes, w.FailureReason, w.GatewayTransactionID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return internalError("failed to create withdrawal", err)
	}
	return nil
}

// UpdateWithdrawal writes w only while the stored status still equals from.
func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payflow.withdrawal_requests
		SET status = $3, gateway = $4, admin_id = $5, admin_decision = $6, admin_notes = $7,
			failure_reason = $8, gateway_transaction_id = $9, updated_at = $10
		WHERE order_id = $1 AND status = $2`,
		w.OrderID, from, w.Status, w.Gateway, w.AdminID, w.AdminDecision, w.AdminNotes,
		w.FailureReason, w.GatewayTransactionID, w.UpdatedAt)
	if err != nil {
		return internalError("failed to update withdrawal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internalError("failed to update withdrawal", err)
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}
