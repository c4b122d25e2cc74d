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

	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/dedup"
	"github.com/blnkfinance/payflow/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ProcessDeposit credits a completed deposit. The first deposit of an account also pays
// the referrer's reward in the same transaction and schedules the first-deposit bonus.
func (e *Engine) ProcessDeposit(ctx context.Context, j *DepositJob) error {
	ctx, span := tracer.Start(ctx, "ProcessDeposit")
	defer span.End()
	log := logrus.WithFields(logrus.Fields{"order_id": j.OrderID, "account_id": j.AccountID})

	account, err := e.ds.GetAccount(ctx, j.AccountID)
	if err != nil {
		return err
	}

	ids := []int64{j.AccountID}
	reward := decimal.Zero
	if account.ReferredBy != nil && e.cfg.Bonus.ReferralRewardPercent.IsPositive() {
		reward = j.Amount.Mul(e.cfg.Bonus.ReferralRewardPercent).Div(decimal.NewFromInt(100)).RoundDown(2)
		if reward.IsPositive() {
			ids = append(ids, *account.ReferredBy)
		}
	}

	first := false
	err = e.inTx(ctx, ids, func(ctx context.Context, tx database.Tx, accounts map[int64]*model.Account) error {
		if err := completeDepositRequest(ctx, tx, j); err != nil {
			return err
		}

		res, err := applyInTx(ctx, tx, []Mutation{{
			AccountID: j.AccountID,
			Delta:     j.Amount,
			Type:      model.EntryDeposit,
			Reference: j.OrderID,
			MetaData:  depositMeta(j),
		}})
		if err != nil {
			return err
		}
		if res.AlreadyApplied {
			return ErrAlreadyProcessed
		}

		previous, err := tx.RecordDeposit(ctx, j.AccountID, j.Amount)
		if err != nil {
			return err
		}
		first = previous == 0
		if !first || !reward.IsPositive() {
			return nil
		}

		referrerID := *account.ReferredBy
		if _, err := applyInTx(ctx, tx, []Mutation{{
			AccountID: referrerID,
			Delta:     reward,
			Type:      model.EntryReferral,
			Reference: model.ReferralRewardReference(j.OrderID),
			MetaData:  map[string]interface{}{"referred_id": j.AccountID, "deposit": j.Amount.String()},
		}}); err != nil {
			return err
		}
		return tx.AddRebate(ctx, referrerID, reward)
	})

	if errors.Is(err, ErrAlreadyProcessed) {
		// The credit committed earlier; make sure its follow-up was scheduled.
		current, getErr := e.ds.GetAccount(ctx, j.AccountID)
		if getErr == nil && current.DepositCount == 1 && !current.FirstDepositBonusReceived {
			if enqErr := e.enqueueDepositBonus(ctx, j); enqErr != nil {
				return enqErr
			}
		}
		return err
	}
	if err != nil {
		return translateStorageError(err)
	}

	log.Infof("deposit of %s credited", j.Amount.StringFixed(2))
	if first {
		return e.enqueueDepositBonus(ctx, j)
	}
	return nil
}

// completeDepositRequest moves a matching pending request row to completed. Deposits
// credited without a request row are allowed.
func completeDepositRequest(ctx context.Context, tx database.Tx, j *DepositJob) error {
	dep, err := tx.GetDepositForUpdate(ctx, j.OrderID)
	if database.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if dep.AccountID != j.AccountID || !dep.Amount.Equal(j.Amount) {
		return fmt.Errorf("deposit %s: %w", j.OrderID, ErrAmountMismatch)
	}
	switch dep.Status {
	case model.DepositCompleted:
		return nil
	case model.DepositFailed:
		return fmt.Errorf("deposit %s has failed: %w", j.OrderID, ErrInvalidTransition)
	}
	dep.Status = model.DepositCompleted
	if j.TransactionID != "" {
		dep.GatewayTransactionID = j.TransactionID
	}
	return tx.UpdateDeposit(ctx, dep, model.DepositPending)
}

func depositMeta(j *DepositJob) map[string]interface{} {
	meta := map[string]interface{}{}
	for k, v := range j.Metadata {
		meta[k] = v
	}
	if j.Gateway != "" {
		meta["gateway"] = j.Gateway
	}
	if j.TransactionID != "" {
		meta["transaction_id"] = j.TransactionID
	}
	return meta
}

func (e *Engine) enqueueDepositBonus(ctx context.Context, j *DepositJob) error {
	if DepositBonus(e.cfg.Bonus.DepositTiers, j.Amount).IsZero() {
		return nil
	}
	return e.enqueue(ctx, QueueDeposits, JobApplyDepositBonus,
		&DepositBonusJob{AccountID: j.AccountID, OrderID: j.OrderID, Amount: j.Amount},
		WithJobID(jobID(JobApplyDepositBonus, j.AccountID)))
}

// DepositBonus returns the flat bonus of the highest tier amount reaches. Tiers are not
// cumulative.
func DepositBonus(tiers []config.BonusTier, amount decimal.Decimal) decimal.Decimal {
	bonus := decimal.Zero
	best := decimal.Zero
	for _, t := range tiers {
		if amount.GreaterThanOrEqual(t.Threshold) && t.Threshold.GreaterThanOrEqual(best) {
			best = t.Threshold
			bonus = t.Bonus
		}
	}
	return bonus
}

func depositBonusKey(accountID int64) string {
	return dedup.Key("deposit_bonus", fmt.Sprint(accountID))
}

// ApplyDepositBonus credits the first-deposit bonus at most once per account. The tier is
// taken from the account's first recorded deposit, never from the job payload, and the job
// must name that deposit. The dedup marker short-circuits repeats; the account flag and the
// ledger reference are the guard.
func (e *Engine) ApplyDepositBonus(ctx context.Context, j *DepositBonusJob) error {
	ctx, span := tracer.Start(ctx, "ApplyDepositBonus")
	defer span.End()
	log := logrus.WithFields(logrus.Fields{"order_id": j.OrderID, "account_id": j.AccountID})

	key := depositBonusKey(j.AccountID)
	if state, err := e.dedup.Get(ctx, key); err != nil {
		log.Warnf("dedup lookup failed: %v", err)
	} else if state == dedup.Done {
		return ErrAlreadyProcessed
	}

	bonus := decimal.Zero
	err := e.inTx(ctx, []int64{j.AccountID}, func(ctx context.Context, tx database.Tx, accounts map[int64]*model.Account) error {
		first, err := tx.GetFirstLedgerEntry(ctx, j.AccountID, model.EntryDeposit)
		if database.IsNotFound(err) {
			return fmt.Errorf("%w: account %d has no deposit", ErrBusinessRule, j.AccountID)
		}
		if err != nil {
			return err
		}
		if first.Reference != j.OrderID {
			return fmt.Errorf("%w: order %s is not the first deposit of account %d", ErrBusinessRule, j.OrderID, j.AccountID)
		}
		if !first.Amount.Equal(j.Amount) {
			log.Warnf("bonus job names %s, first deposit was %s", j.Amount.StringFixed(2), first.Amount.StringFixed(2))
		}

		bonus = DepositBonus(e.cfg.Bonus.DepositTiers, first.Amount)
		if bonus.IsZero() {
			return fmt.Errorf("first deposit of %s: %w", first.Amount.StringFixed(2), ErrBonusNotEligible)
		}
		marked, err := tx.MarkFirstDepositBonus(ctx, j.AccountID)
		if err != nil {
			return err
		}
		if !marked {
			return ErrAlreadyProcessed
		}
		res, err := applyInTx(ctx, tx, []Mutation{{
			AccountID: j.AccountID,
			Delta:     bonus,
			Type:      model.EntryDepositBonus,
			Reference: model.DepositBonusReference(j.AccountID),
			MetaData:  map[string]interface{}{"order_id": j.OrderID, "deposit": first.Amount.String()},
		}})
		if err != nil {
			return err
		}
		if res.AlreadyApplied {
			return ErrAlreadyProcessed
		}
		return nil
	})

	if err == nil || errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrBonusNotEligible) {
		if setErr := e.dedup.Set(ctx, key, hours(e.cfg.Dedup.DepositBonusTTLHours)); setErr != nil {
			log.Warnf("failed to mark deposit bonus: %v", setErr)
		}
	}
	if err == nil {
		log.Infof("first deposit bonus of %s credited", bonus.StringFixed(2))
	}
	return translateStorageError(err)
}

// UpdateDepositStatus moves a deposit request through pending -> completed | failed.
func (e *Engine) UpdateDepositStatus(ctx context.Context, j *DepositStatusJob) error {
	return e.transitionDeposit(ctx, j.OrderID, model.DepositStatus(j.Status), j.TransactionID, j.Reason)
}

// ProcessDepositCallback applies a gateway's verdict on a deposit.
func (e *Engine) ProcessDepositCallback(ctx context.Context, j *GatewayCallbackJob) error {
	dep, err := e.ds.GetDeposit(ctx, j.OrderID)
	if err != nil {
		return err
	}
	if !dep.Amount.Equal(j.Amount) {
		return fmt.Errorf("deposit %s callback for %s, expected %s: %w", j.OrderID, j.Amount, dep.Amount, ErrAmountMismatch)
	}
	if dep.Gateway != "" && dep.Gateway != j.Gateway {
		return fmt.Errorf("%w: deposit %s belongs to gateway %s", ErrBusinessRule, j.OrderID, dep.Gateway)
	}
	to := model.DepositCompleted
	if j.Status == CallbackFailed {
		to = model.DepositFailed
	}
	return e.transitionDeposit(ctx, j.OrderID, to, j.TransactionID, j.Reason)
}

func (e *Engine) transitionDeposit(ctx context.Context, orderID string, to model.DepositStatus, transactionID, reason string) error {
	ctx, span := tracer.Start(ctx, "TransitionDeposit")
	defer span.End()

	return e.locks.WithLock(ctx, "deposit:"+orderID, e.cfg.LockTTL(), func(ctx context.Context) error {
		var dep *model.DepositRequest
		err := e.inTx(ctx, nil, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
			d, err := tx.GetDepositForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			dep = d
			if d.Status == to {
				return ErrAlreadyProcessed
			}
			if !d.Status.CanTransition(to) {
				return fmt.Errorf("deposit %s is %s: %w", orderID, d.Status, ErrInvalidTransition)
			}
			from := d.Status
			d.Status = to
			if transactionID != "" {
				d.GatewayTransactionID = transactionID
			}
			if to == model.DepositFailed {
				d.FailureReason = reason
			}
			return tx.UpdateDeposit(ctx, d, from)
		})

		replay := errors.Is(err, ErrAlreadyProcessed) && to == model.DepositCompleted
		if err != nil && !replay {
			return err
		}
		logrus.WithFields(logrus.Fields{"order_id": orderID, "status": to}).Info("deposit status updated")

		if to == model.DepositCompleted {
			enqErr := e.enqueue(ctx, QueueDeposits, JobProcessDeposit, &DepositJob{
				OrderID:       dep.OrderID,
				AccountID:     dep.AccountID,
				Amount:        dep.Amount,
				Gateway:       dep.Gateway,
				TransactionID: dep.GatewayTransactionID,
			}, WithJobID(jobID(JobProcessDeposit, orderID)), WithPriority(PriorityCritical))
			if enqErr != nil {
				return enqErr
			}
		}
		return err
	})
}
