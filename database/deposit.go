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

const depositColumns = `order_id, account_id, amount, gateway, status, gateway_transaction_id, failure_reason, created_at, updated_at`

func scanDeposit(row rowScanner) (*model.DepositRequest, error) {
	var d model.DepositRequest
	err := row.Scan(&d.OrderID, &d.AccountID, &d.Amount, &d.Gateway, &d.Status, &d.GatewayTransactionID,
		&d.FailureReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Datasource) CreateDepositRequest(ctx context.Context, deposit *model.DepositRequest) error {
	now := time.Now().UTC()
	deposit.CreatedAt, deposit.UpdatedAt = now, now
	if deposit.Status == "" {
		deposit.Status = model.DepositPending
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payflow.deposit_requests (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		deposit.OrderID, deposit.AccountID, deposit.Amount, deposit.Gateway, deposit.Status,
		deposit.GatewayTransactionID, deposit.FailureReason, deposit.CreatedAt, deposit.UpdatedAt)
	if err != nil {
		return internalError("failed to create deposit request", err)
	}
	return nil
}

func (d *Datasource) GetDeposit(ctx context.Context, orderID string) (*model.DepositRequest, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM payflow.deposit_requests WHERE order_id = $1`, orderID)
	dep, err := scanDeposit(row)
	if err != nil {
		return nil, rowError(err, "deposit", orderID)
	}
	return dep, nil
}

func (t *pgTx) GetDepositForUpdate(ctx context.Context, orderID string) (*model.DepositRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM payflow.deposit_requests
		WHERE order_id = $1 FOR UPDATE SKIP LOCKED`, orderID)
	dep, err := scanDeposit(row)
	if err == nil {
		return dep, nil
	}
	if !isNoRows(err) {
		return nil, internalError("failed to lock deposit", err)
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payflow.deposit_requests WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, internalError("failed to check deposit", err)
	}
	if exists {
		return nil, ErrRowLocked
	}
	return nil, notFound("deposit", orderID)
}

func (t *pgTx) UpdateDeposit(ctx context.Context, dep *model.DepositRequest, from model.DepositStatus) error {
	dep.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payflow.deposit_requests
		SET status = $3, gateway_transaction_id = $4, failure_reason = $5, updated_at = $6
		WHERE order_id = $1 AND status = $2`,
		dep.OrderID, from, dep.Status, dep.GatewayTransactionID, dep.FailureReason, dep.UpdatedAt)
	if err != nil {
		return internalError("failed to update deposit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}
