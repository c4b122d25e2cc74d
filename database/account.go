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
	"database/sql"
	"errors"
	"time"

	"github.com/blnkfinance/payflow/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const accountColumns = `account_id, referral_code, referred_by, balance, total_deposits, deposit_count,
	first_deposit_bonus_received, registration_bonus_received, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var referredBy sql.NullInt64
	err := row.Scan(&a.AccountID, &a.ReferralCode, &referredBy, &a.Balance, &a.TotalDeposits, &a.DepositCount,
		&a.FirstDepositBonusReceived, &a.RegistrationBonusReceived, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if referredBy.Valid {
		id := referredBy.Int64
		a.ReferredBy = &id
	}
	return &a, nil
}

func (d *Datasource) CreateAccount(ctx context.Context, account *model.Account) error {
	ctx, span := tracer.Start(ctx, "CreateAccount")
	defer span.End()

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	var referredBy interface{}
	if account.ReferredBy != nil {
		referredBy = *account.ReferredBy
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payflow.accounts (account_id, referral_code, referred_by, balance, total_deposits, deposit_count,
			first_deposit_bonus_received, registration_bonus_received, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		account.AccountID, account.ReferralCode, referredBy, account.Balance, account.TotalDeposits, account.DepositCount,
		account.FirstDepositBonusReceived, account.RegistrationBonusReceived, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return internalError("failed to create account", err)
	}
	return nil
}

func (d *Datasource) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM payflow.accounts WHERE account_id = $1`, accountID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, rowError(err, "account", accountID)
	}
	return a, nil
}

func (d *Datasource) GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM payflow.accounts WHERE referral_code = $1`, code)
	a, err := scanAccount(row)
	if err != nil {
		return nil, rowError(err, "referral code", code)
	}
	return a, nil
}

func (d *Datasource) GetUplines(ctx context.Context, accountID int64, depth int) ([]int64, error) {
	if depth <= 0 {
		return nil, nil
	}
	rows, err := d.Conn.QueryContext(ctx, `
		WITH RECURSIVE chain (account_id, referred_by, depth) AS (
			SELECT account_id, referred_by, 0 FROM payflow.accounts WHERE account_id = $1
			UNION ALL
			SELECT a.account_id, a.referred_by, c.depth + 1
			FROM payflow.accounts a JOIN chain c ON a.account_id = c.referred_by
			WHERE c.depth < $2
		)
		SELECT account_id FROM chain WHERE depth > 0 ORDER BY depth`, accountID, depth)
	if err != nil {
		return nil, internalError("failed to load uplines", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, internalError("failed to scan upline", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Datasource) ListAccountsMissingRegistrationBonus(ctx context.Context, createdAfter time.Time, limit int) ([]int64, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT account_id FROM payflow.accounts
		WHERE NOT registration_bonus_received AND created_at >= $1
		ORDER BY account_id LIMIT $2`, createdAfter, limit)
	if err != nil {
		return nil, internalError("failed to list accounts", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, internalError("failed to scan account id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) TryLockAccounts(ctx context.Context, ids []int64) (map[int64]*model.Account, error) {
	ids = model.SortedAccountIDs(ids...)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM payflow.accounts
		WHERE account_id = ANY($1)
		ORDER BY account_id
		FOR UPDATE SKIP LOCKED`, pq.Array(ids))
	if err != nil {
		return nil, internalError("failed to lock accounts", err)
	}
	defer rows.Close()

	locked := make(map[int64]*model.Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, internalError("failed to scan account", err)
		}
		locked[a.AccountID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, internalError("failed to lock accounts", err)
	}
	if len(locked) == len(ids) {
		return locked, nil
	}

	// A short result is either a skipped row or a missing one.
	var existing int
	err = t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payflow.accounts WHERE account_id = ANY($1)`, pq.Array(ids)).Scan(&existing)
	if err != nil {
		return nil, internalError("failed to count accounts", err)
	}
	if existing == len(ids) {
		return nil, ErrRowLocked
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return nil, notFound("account", id)
		}
	}
	return nil, ErrRowLocked
}

func (t *pgTx) IncrementBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE payflow.accounts SET balance = balance + $2, updated_at = NOW()
		WHERE account_id = $1 AND balance + $2 >= 0
		RETURNING balance`, accountID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, internalError("failed to update balance", err)
	}
	return balance, nil
}

// RecordDeposit bumps the deposit counters and returns how many deposits preceded this one.
func (t *pgTx) RecordDeposit(ctx context.Context, accountID int64, amount decimal.Decimal) (int, error) {
	var previous int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE payflow.accounts
		SET total_deposits = total_deposits + $2, deposit_count = deposit_count + 1, updated_at = NOW()
		WHERE account_id = $1
		RETURNING deposit_count - 1`, accountID, amount).Scan(&previous)
	if err != nil {
		return 0, rowError(err, "account", accountID)
	}
	return previous, nil
}

func (t *pgTx) MarkFirstDepositBonus(ctx context.Context, accountID int64) (bool, error) {
	return t.setFlag(ctx, `
		UPDATE payflow.accounts SET first_deposit_bonus_received = TRUE, updated_at = NOW()
		WHERE account_id = $1 AND NOT first_deposit_bonus_received`, accountID)
}

func (t *pgTx) MarkRegistrationBonus(ctx context.Context, accountID int64) (bool, error) {
	return t.setFlag(ctx, `
		UPDATE payflow.accounts SET registration_bonus_received = TRUE, updated_at = NOW()
		WHERE account_id = $1 AND NOT registration_bonus_received`, accountID)
}

func (t *pgTx) setFlag(ctx context.Context, query string, accountID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, accountID)
	if err != nil {
		return false, internalError("failed to update account flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internalError("failed to update account flag", err)
	}
	return n == 1, nil
}

func (t *pgTx) SetReferredBy(ctx context.Context, accountID, referrerID int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payflow.accounts SET referred_by = $2, updated_at = NOW()
		WHERE account_id = $1 AND referred_by IS NULL`, accountID, referrerID)
	if err != nil {
		return internalError("failed to set referrer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}
