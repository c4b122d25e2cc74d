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

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/blnkfinance/payflow/model"
	"github.com/sirupsen/logrus"
)

const declinedReason = "insufficient balance"

func withdrawalLockKey(orderID string) string {
	return "withdrawal:" + orderID
}

// ProcessWithdrawal debits the account and records a pending withdrawal request awaiting
// admin review. A request the balance cannot cover is recorded as declined without
// touching the balance.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - j *WithdrawalJob: The withdrawal to hold funds for.
//
// Returns:
// - error: ErrAlreadyProcessed on a replay, a permanent ErrInsufficientFunds on decline.
func (e *Engine) ProcessWithdrawal(ctx context.Context, j *WithdrawalJob) error {
	ctx, span := tracer.Start(ctx, "ProcessWithdrawal")
	defer span.End()
	log := logrus.WithFields(logrus.Fields{"order_id": j.OrderID, "account_id": j.AccountID})

	declined := false
	err := e.locks.WithLock(ctx, withdrawalLockKey(j.OrderID), e.cfg.LockTTL(), func(ctx context.Context) error {
		return e.inTx(ctx, []int64{j.AccountID}, func(ctx context.Context, tx database.Tx, accounts map[int64]*model.Account) error {
			declined = false
			_, err := tx.GetWithdrawalForUpdate(ctx, j.OrderID)
			if err == nil {
				return ErrAlreadyProcessed
			}
			if !database.IsNotFound(err) {
				return err
			}

			w := &model.WithdrawalRequest{
				OrderID:      j.OrderID,
				AccountID:    j.AccountID,
				Amount:       j.Amount,
				PayoutMethod: j.PayoutMethod,
				Status:       model.WithdrawalPending,
			}
			if accounts[j.AccountID].Balance.LessThan(j.Amount) {
				declined = true
				w.Status = model.WithdrawalDeclined
				w.FailureReason = declinedReason
				return tx.InsertWithdrawal(ctx, w)
			}

			res, err := applyInTx(ctx, tx, []Mutation{{
				AccountID: j.AccountID,
				Delta:     j.Amount.Neg(),
				Type:      model.EntryWithdrawal,
				Reference: j.OrderID,
				Status:    model.EntryPending,
				MetaData:  withdrawalMeta(j),
			}})
			if err != nil {
				return err
			}
			if res.AlreadyApplied {
				return ErrAlreadyProcessed
			}
			return tx.InsertWithdrawal(ctx, w)
		})
	})
	if err != nil {
		return translateStorageError(err)
	}
	if declined {
		log.Warn("withdrawal declined")
		return Permanent(fmt.Errorf("withdrawal %s declined: %w", j.OrderID, ErrInsufficientFunds))
	}

	log.Infof("withdrawal of %s pending review", j.Amount.StringFixed(2))
	notify := &NotifyAdminJob{
		Event:     EventWithdrawalRequested,
		OrderID:   j.OrderID,
		AccountID: j.AccountID,
		Amount:    j.Amount,
		Message:   fmt.Sprintf("Withdrawal %s of %s awaits review", j.OrderID, j.Amount.StringFixed(2)),
	}
	if err := e.enqueue(ctx, QueueAdmin, JobNotifyAdmin, notify,
		WithJobID(jobID(JobNotifyAdmin, EventWithdrawalRequested, j.OrderID))); err != nil {
		// The request is listed for review regardless; only the alert is lost.
		log.Errorf("failed to schedule admin notification: %v", err)
	}
	return nil
}

func withdrawalMeta(j *WithdrawalJob) map[string]interface{} {
	meta := map[string]interface{}{}
	for k, v := range j.Metadata {
		meta[k] = v
	}
	if j.PayoutMethod != "" {
		meta["payout_method"] = j.PayoutMethod
	}
	return meta
}

// ProcessAdminApproval records the admin's decision on a pending withdrawal. A rejection
// refunds the held amount in the same transaction. An approval binds the withdrawal to an
// active payout gateway and schedules the payout; with no active gateway the withdrawal
// is rejected and refunded instead.
func (e *Engine) ProcessAdminApproval(ctx context.Context, j *ApprovalJob) error {
	ctx, span := tracer.Start(ctx, "ProcessAdminApproval")
	defer span.End()
	log := logrus.WithFields(logrus.Fields{"order_id": j.WithdrawalID, "admin_id": j.AdminID, "action": j.Action})

	// An approval usually lands while the request job still holds the lock; wait briefly.
	return e.locks.WithWaitLock(ctx, withdrawalLockKey(j.WithdrawalID), e.cfg.LockTTL(), e.cfg.LockWait(), func(ctx context.Context) error {
		current, err := e.ds.GetWithdrawal(ctx, j.WithdrawalID)
		if err != nil {
			return err
		}

		var gatewayErr error
		var decided *model.WithdrawalRequest
		err = e.inTx(ctx, []int64{current.AccountID}, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
			gatewayErr = nil
			w, err := tx.GetWithdrawalForUpdate(ctx, j.WithdrawalID)
			if err != nil {
				return err
			}
			decided = w
			if w.Status != model.WithdrawalPending {
				if w.AdminDecision == j.Action {
					return ErrAlreadyProcessed
				}
				return fmt.Errorf("withdrawal %s is %s: %w", w.OrderID, w.Status, ErrWithdrawalAlreadyProcessed)
			}

			w.AdminID = j.AdminID
			w.AdminDecision = j.Action
			w.AdminNotes = j.Notes
			if j.Action == ActionReject {
				return rejectInTx(ctx, tx, w, "rejected by admin")
			}

			gw, err := e.gateways.Active(j.SelectedGateway)
			if err != nil {
				gatewayErr = err
				return rejectInTx(ctx, tx, w, err.Error())
			}
			w.Gateway = gw.Name()
			w.Status = model.WithdrawalApproved
			return tx.UpdateWithdrawal(ctx, w, model.WithdrawalPending)
		})

		replay := errors.Is(err, ErrAlreadyProcessed)
		if err != nil && !replay {
			return translateStorageError(err)
		}
		if gatewayErr != nil {
			log.Warnf("approval rejected: %v", gatewayErr)
			return Permanent(gatewayErr)
		}
		if !replay {
			log.Infof("withdrawal moved to %s", decided.Status)
		}
		if decided.Status == model.WithdrawalApproved {
			if enqErr := e.enqueue(ctx, QueueWithdrawals, JobPaymentProcessing, &PaymentJob{OrderID: decided.OrderID},
				WithJobID(jobID(JobPaymentProcessing, decided.OrderID))); enqErr != nil {
				return enqErr
			}
		}
		return err
	})
}

// rejectInTx moves a pending withdrawal to rejected and returns the held funds.
func rejectInTx(ctx context.Context, tx database.Tx, w *model.WithdrawalRequest, reason string) error {
	from := w.Status
	w.Status = model.WithdrawalRejected
	w.FailureReason = reason
	if err := tx.UpdateWithdrawal(ctx, w, from); err != nil {
		return err
	}
	_, err := refundInTx(ctx, tx, w)
	return err
}

// refundInTx credits the held amount back and closes the original withdrawal entry. It
// reports false when the refund entry already existed.
func refundInTx(ctx context.Context, tx database.Tx, w *model.WithdrawalRequest) (bool, error) {
	res, err := applyInTx(ctx, tx, []Mutation{{
		AccountID: w.AccountID,
		Delta:     w.Amount,
		Type:      model.EntryRefund,
		Reference: w.OrderID,
		MetaData:  map[string]interface{}{"reason": w.FailureReason, "withdrawal_status": string(w.Status)},
	}})
	if err != nil {
		return false, err
	}

	status := model.EntryFailed
	if w.Status == model.WithdrawalRejected {
		status = model.EntryCancelled
	}
	if err := tx.UpdateLedgerEntryStatus(ctx, w.OrderID, model.EntryWithdrawal, status); err != nil {
		return false, err
	}
	return !res.AlreadyApplied, nil
}

// UpdateWithdrawalStatus drives processing, completion and failure of an approved
// withdrawal. A failure refunds in the same transaction.
func (e *Engine) UpdateWithdrawalStatus(ctx context.Context, j *WithdrawalStatusJob) error {
	ctx, span := tracer.Start(ctx, "UpdateWithdrawalStatus")
	defer span.End()

	return e.locks.WithLock(ctx, withdrawalLockKey(j.OrderID), e.cfg.LockTTL(), func(ctx context.Context) error {
		w, err := e.ds.GetWithdrawal(ctx, j.OrderID)
		if err != nil {
			return err
		}
		to := model.WithdrawalStatus(j.Status)
		if w.Status == to || (to == model.WithdrawalFailed && w.Status == model.WithdrawalRefunded) {
			return ErrAlreadyProcessed
		}
		if !w.Status.CanTransition(to) {
			return fmt.Errorf("withdrawal %s is %s, cannot move to %s: %w", w.OrderID, w.Status, to, ErrInvalidTransition)
		}

		if to == model.WithdrawalProcessing {
			return e.markProcessing(ctx, w.OrderID, j.TransactionID)
		}
		result := PayoutResult{TransactionID: j.TransactionID, Status: PayoutCompleted}
		if to == model.WithdrawalFailed {
			result.Status = PayoutFailed
			result.Reason = j.Reason
		}
		return e.finishPayout(ctx, w, result)
	})
}

// markProcessing claims an approved withdrawal for payout.
func (e *Engine) markProcessing(ctx context.Context, orderID, transactionID string) error {
	return e.inTx(ctx, nil, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalApproved {
			return ErrAlreadyProcessed
		}
		w.Status = model.WithdrawalProcessing
		if transactionID != "" {
			w.GatewayTransactionID = transactionID
		}
		return tx.UpdateWithdrawal(ctx, w, model.WithdrawalApproved)
	})
}

// finishPayout applies a gateway verdict to a processing withdrawal. Callers hold the
// withdrawal lock.
func (e *Engine) finishPayout(ctx context.Context, current *model.WithdrawalRequest, res PayoutResult) error {
	log := logrus.WithFields(logrus.Fields{"order_id": current.OrderID, "payout_status": res.Status})

	err := e.inTx(ctx, []int64{current.AccountID}, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, current.OrderID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalProcessing {
			return ErrAlreadyProcessed
		}
		if res.TransactionID != "" {
			w.GatewayTransactionID = res.TransactionID
		}

		switch res.Status {
		case PayoutCompleted:
			w.Status = model.WithdrawalCompleted
			if err := tx.UpdateWithdrawal(ctx, w, model.WithdrawalProcessing); err != nil {
				return err
			}
			return tx.UpdateLedgerEntryStatus(ctx, w.OrderID, model.EntryWithdrawal, model.EntryCompleted)
		case PayoutFailed:
			w.Status = model.WithdrawalFailed
			w.FailureReason = res.Reason
			if err := tx.UpdateWithdrawal(ctx, w, model.WithdrawalProcessing); err != nil {
				return err
			}
			if _, err := refundInTx(ctx, tx, w); err != nil {
				return err
			}
			w.Status = model.WithdrawalRefunded
			return tx.UpdateWithdrawal(ctx, w, model.WithdrawalFailed)
		default:
			return tx.UpdateWithdrawal(ctx, w, model.WithdrawalProcessing)
		}
	})
	if err != nil {
		return translateStorageError(err)
	}

	log.Info("payout result applied")
	if res.Status == PayoutFailed {
		e.alert(ctx, notification.Alert{
			Title:    "Withdrawal payout failed",
			Message:  fmt.Sprintf("Withdrawal %s failed and was refunded: %s", current.OrderID, res.Reason),
			Severity: notification.SeverityWarning,
			Fields:   map[string]string{"order_id": current.OrderID, "amount": current.Amount.StringFixed(2)},
		})
	}
	return nil
}

// RefundWithdrawal returns the funds of a rejected or failed withdrawal that were not
// refunded when it reached that state.
func (e *Engine) RefundWithdrawal(ctx context.Context, j *RefundJob) error {
	ctx, span := tracer.Start(ctx, "RefundWithdrawal")
	defer span.End()

	return e.locks.WithLock(ctx, withdrawalLockKey(j.OrderID), e.cfg.LockTTL(), func(ctx context.Context) error {
		current, err := e.ds.GetWithdrawal(ctx, j.OrderID)
		if err != nil {
			return err
		}
		err = e.inTx(ctx, []int64{current.AccountID}, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
			w, err := tx.GetWithdrawalForUpdate(ctx, j.OrderID)
			if err != nil {
				return err
			}
			if w.Status == model.WithdrawalRefunded {
				return ErrAlreadyProcessed
			}
			if !w.Status.NeedsRefund() {
				return fmt.Errorf("withdrawal %s is %s: %w", w.OrderID, w.Status, ErrInvalidTransition)
			}
			if j.Reason != "" && w.FailureReason == "" {
				w.FailureReason = j.Reason
			}
			applied, err := refundInTx(ctx, tx, w)
			if err != nil {
				return err
			}
			if w.Status == model.WithdrawalFailed {
				w.Status = model.WithdrawalRefunded
				return tx.UpdateWithdrawal(ctx, w, model.WithdrawalFailed)
			}
			if !applied {
				return ErrAlreadyProcessed
			}
			return nil
		})
		if err != nil {
			return translateStorageError(err)
		}
		logrus.WithField("order_id", j.OrderID).Info("withdrawal refunded")
		return nil
	})
}

// alert sends an operator notification. Delivery failures are logged, never returned.
func (e *Engine) alert(ctx context.Context, a notification.Alert) {
	if err := e.notifier.Notify(ctx, a); err != nil {
		logrus.WithField("title", a.Title).Errorf("failed to send alert: %v", err)
	}
}
