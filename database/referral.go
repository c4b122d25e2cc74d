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
	"github.com/shopspring/decimal"
)

func getReferral(ctx context.Context, q querier, referredID int64) (*model.Referral, error) {
	var r model.Referral
	err := q.QueryRowContext(ctx, `
		SELECT id, referrer_id, referred_id, referral_code, created_at
		FROM payflow.referrals WHERE referred_id = $1`, referredID).
		Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.ReferralCode, &r.CreatedAt)
	if err != nil {
		return nil, rowError(err, "referral", referredID)
	}
	return &r, nil
}

func (d *Datasource) GetReferral(ctx context.Context, referredID int64) (*model.Referral, error) {
	return getReferral(ctx, d.Conn, referredID)
}

func (d *Datasource) GetRebateAccount(ctx context.Context, accountID int64) (*model.RebateAccount, error) {
	var r model.RebateAccount
	err := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, rebate_balance, total_rebate, direct_referrals, team_size, created_at, updated_at
		FROM payflow.rebate_accounts WHERE account_id = $1`, accountID).
		Scan(&r.AccountID, &r.RebateBalance, &r.TotalRebate, &r.DirectReferrals, &r.TeamSize, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, rowError(err, "rebate account", accountID)
	}
	return &r, nil
}

func (t *pgTx) GetReferral(ctx context.Context, referredID int64) (*model.Referral, error) {
	return getReferral(ctx, t.tx, referredID)
}

// InsertReferral creates the referral edge. referred_id is unique, so an account is
// referred at most once.
func (t *pgTx) InsertReferral(ctx context.Context, r *model.Referral) error {
	if r.ID == "" {
		r.ID = model.GenerateUUIDWithSuffix("ref")
	}
	r.CreatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.referrals (id, referrer_id, referred_id, referral_code, created_at)
		VALUES ($1, $2, $3, $4, $5)`, r.ID, r.ReferrerID, r.ReferredID, r.ReferralCode, r.CreatedAt)
	if err != nil {
		return internalError("failed to record referral", err)
	}
	return nil
}

func (t *pgTx) EnsureRebateAccount(ctx context.Context, accountID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.rebate_accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING`, accountID)
	if err != nil {
		return internalError("failed to create rebate account", err)
	}
	return nil
}

func (t *pgTx) IncrementReferralStats(ctx context.Context, accountID int64, direct, team int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.rebate_accounts (account_id, direct_referrals, team_size) VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
		SET direct_referrals = rebate_accounts.direct_referrals + EXCLUDED.direct_referrals,
			team_size = rebate_accounts.team_size + EXCLUDED.team_size,
			updated_at = NOW()`, accountID, direct, team)
	if err != nil {
		return internalError("failed to update referral stats", err)
	}
	return nil
}

func (t *pgTx) AddRebate(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.rebate_accounts (account_id, total_rebate) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
		SET total_rebate = rebate_accounts.total_rebate + EXCLUDED.total_rebate, updated_at = NOW()`, accountID, amount)
	if err != nil {
		return internalError("failed to update rebate", err)
	}
	return nil
}
