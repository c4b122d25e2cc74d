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
	"github.com/blnkfinance/payflow/internal/dedup"
	"github.com/blnkfinance/payflow/model"
	"github.com/sirupsen/logrus"
)

func registrationBonusKey(accountID int64) string {
	return dedup.Key("registration_bonus", fmt.Sprint(accountID))
}

// ApplyRegistrationBonus credits the one-time sign-up bonus and opens the account's
// rebate record.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - j *RegistrationBonusJob: The account to reward.
//
// Returns:
// - error: ErrAlreadyProcessed when the bonus was paid, ErrJobInFlight while another
// worker is paying it.
func (e *Engine) ApplyRegistrationBonus(ctx context.Context, j *RegistrationBonusJob) error {
	ctx, span := tracer.Start(ctx, "ApplyRegistrationBonus")
	defer span.End()
	log := logrus.WithField("account_id", j.AccountID)

	key := registrationBonusKey(j.AccountID)
	state, err := e.dedup.Get(ctx, key)
	if err != nil {
		log.Warnf("dedup lookup failed: %v", err)
	} else if state == dedup.Done {
		return ErrAlreadyProcessed
	}

	claimed, err := e.dedup.Claim(ctx, key, time.Duration(e.cfg.Dedup.InFlightTTLSec)*time.Second)
	if err != nil {
		log.Warnf("dedup claim failed: %v", err)
	} else if !claimed {
		if state, _ := e.dedup.Get(ctx, key); state == dedup.Done {
			return ErrAlreadyProcessed
		}
		return ErrJobInFlight
	}

	amount := e.cfg.Bonus.RegistrationAmount
	err = e.inTx(ctx, []int64{j.AccountID}, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
		marked, err := tx.MarkRegistrationBonus(ctx, j.AccountID)
		if err != nil {
			return err
		}
		if !marked {
			return ErrAlreadyProcessed
		}
		if amount.IsPositive() {
			res, err := applyInTx(ctx, tx, []Mutation{{
				AccountID: j.AccountID,
				Delta:     amount,
				Type:      model.EntryRegistrationBonus,
				Reference: model.RegistrationBonusReference(j.AccountID),
			}})
			if err != nil {
				return err
			}
			if res.AlreadyApplied {
				return ErrAlreadyProcessed
			}
		}
		return tx.EnsureRebateAccount(ctx, j.AccountID)
	})

	switch {
	case err == nil || errors.Is(err, ErrAlreadyProcessed):
		if setErr := e.dedup.Set(ctx, key, hours(e.cfg.Dedup.RegistrationBonusTTLHours)); setErr != nil {
			log.Warnf("failed to mark registration bonus: %v", setErr)
		}
	case claimed:
		if relErr := e.dedup.Release(ctx, key); relErr != nil {
			log.Warnf("failed to release registration bonus claim: %v", relErr)
		}
	}
	if err == nil {
		log.Infof("registration bonus of %s credited", amount.StringFixed(2))
	}
	return translateStorageError(err)
}
