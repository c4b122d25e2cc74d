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

package payflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/cache"
	"github.com/blnkfinance/payflow/model"
	"github.com/sirupsen/logrus"
)

const referralCodeTTL = 10 * time.Minute

type referralDelta struct {
	direct, team int
}

// RecordReferral links an account to the owner of a referral code and updates the
// referral counters up the chain.
func (e *Engine) RecordReferral(ctx context.Context, j *ReferralJob) error {
	ctx, span := tracer.Start(ctx, "RecordReferral")
	defer span.End()
	log := logrus.WithFields(logrus.Fields{"account_id": j.AccountID, "referral_code": j.ReferralCode})

	referrerID, err := e.resolveReferralCode(ctx, j.ReferralCode)
	if err != nil {
		return err
	}
	if referrerID == j.AccountID {
		return ErrSelfReferral
	}

	depth := e.cfg.Bonus.ReferralTeamDepth - 1
	var uplines []int64
	if depth > 0 {
		if uplines, err = e.ds.GetUplines(ctx, referrerID, depth); err != nil {
			return err
		}
	}
	for _, id := range uplines {
		if id == j.AccountID {
			return fmt.Errorf("%w: account %d is upline of %d", ErrSelfReferral, j.AccountID, referrerID)
		}
	}

	// The whole chain is locked, and its rebate rows written, in ascending id order.
	team := map[int64]referralDelta{referrerID: {direct: 1, team: 1}}
	for _, id := range uplines {
		team[id] = referralDelta{team: 1}
	}
	chain := model.SortedAccountIDs(append([]int64{referrerID, j.AccountID}, uplines...)...)

	err = e.inTx(ctx, chain, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
		_, err := tx.GetReferral(ctx, j.AccountID)
		if err == nil {
			return ErrAlreadyProcessed
		}
		if !database.IsNotFound(err) {
			return err
		}
		if err := tx.SetReferredBy(ctx, j.AccountID, referrerID); err != nil {
			if errors.Is(err, database.ErrStaleState) {
				return fmt.Errorf("%w: account %d already has a referrer", ErrBusinessRule, j.AccountID)
			}
			return err
		}
		if err := tx.InsertReferral(ctx, &model.Referral{
			ReferrerID:   referrerID,
			ReferredID:   j.AccountID,
			ReferralCode: j.ReferralCode,
		}); err != nil {
			return err
		}
		for _, id := range chain {
			if id == j.AccountID {
				if err := tx.EnsureRebateAccount(ctx, id); err != nil {
					return err
				}
				continue
			}
			d := team[id]
			if err := tx.IncrementReferralStats(ctx, id, d.direct, d.team); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translateStorageError(err)
	}
	log.WithField("referrer_id", referrerID).Info("referral recorded")
	return nil
}

// resolveReferralCode maps a code to its owner, reading through the cache.
func (e *Engine) resolveReferralCode(ctx context.Context, code string) (int64, error) {
	key := "referral_code:" + code
	var id int64
	err := e.cache.Get(ctx, key, &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logrus.WithField("referral_code", code).Warnf("cache lookup failed: %v", err)
	}

	account, err := e.ds.GetAccountByReferralCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if err := e.cache.Set(ctx, key, account.AccountID, referralCodeTTL); err != nil {
		logrus.WithField("referral_code", code).Warnf("failed to cache referral code: %v", err)
	}
	return account.AccountID, nil
}
