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
	"github.com/blnkfinance/payflow/model"
	"github.com/sirupsen/logrus"
)

// ProcessPayment submits an approved withdrawal to its gateway.
func (e *Engine) ProcessPayment(ctx context.Context, j *PaymentJob) error {
	ctx, span := tracer.Start(ctx, "ProcessPayment")
	defer span.End()
	return e.submitPayout(ctx, j.OrderID, false)
}

// RetryPayment resubmits a withdrawal that is approved or still processing. Gateways
// return the original result for an order they have already seen.
func (e *Engine) RetryPayment(ctx context.Context, j *PaymentJob) error {
	ctx, span := tracer.Start(ctx, "RetryPayment")
	defer span.End()
	return e.submitPayout(ctx, j.OrderID, true)
}

func (e *Engine) submitPayout(ctx context.Context, orderID string, resubmit bool) error {
	log := logrus.WithField("order_id", orderID)

	return e.locks.WithLock(ctx, withdrawalLockKey(orderID), e.cfg.LockTTL(), func(ctx context.Context) error {
		w, err := e.ds.GetWithdrawal(ctx, orderID)
		if err != nil {
			return err
		}
		switch w.Status {
		case model.WithdrawalApproved:
			if err := e.markProcessing(ctx, orderID, ""); err != nil {
				return translateStorageError(err)
			}
			if w, err = e.ds.GetWithdrawal(ctx, orderID); err != nil {
				return err
			}
		case model.WithdrawalProcessing:
			if w.GatewayTransactionID != "" && !resubmit {
				return ErrAlreadyProcessed
			}
		default:
			return ErrAlreadyProcessed
		}

		gw, err := e.gateways.Get(w.Gateway)
		if err != nil {
			if finishErr := e.finishPayout(ctx, w, PayoutResult{Status: PayoutFailed, Reason: err.Error()}); finishErr != nil {
				return finishErr
			}
			return Permanent(err)
		}

		res, err := gw.Submit(ctx, *w)
		if errors.Is(err, ErrPayoutRejected) {
			if finishErr := e.finishPayout(ctx, w, PayoutResult{Status: PayoutFailed, Reason: err.Error()}); finishErr != nil {
				return finishErr
			}
			return Permanent(fmt.Errorf("withdrawal %s: %w", orderID, err))
		}
		if err != nil {
			return fmt.Errorf("submit to %s: %w", gw.Name(), err)
		}

		log.WithField("gateway", gw.Name()).Infof("payout submitted, transaction %s", res.TransactionID)
		if res.Status == PayoutPending && res.TransactionID == w.GatewayTransactionID {
			return nil
		}
		return e.finishPayout(ctx, w, res)
	})
}

// CheckPaymentStatus polls the gateway for a processing withdrawal and applies a final
// verdict when there is one. A withdrawal never handed to the gateway is submitted.
func (e *Engine) CheckPaymentStatus(ctx context.Context, j *PaymentJob) error {
	ctx, span := tracer.Start(ctx, "CheckPaymentStatus")
	defer span.End()

	w, err := e.ds.GetWithdrawal(ctx, j.OrderID)
	if err != nil {
		return err
	}
	if w.Status != model.WithdrawalProcessing {
		return ErrAlreadyProcessed
	}
	if w.GatewayTransactionID == "" {
		return e.submitPayout(ctx, j.OrderID, true)
	}

	return e.locks.WithLock(ctx, withdrawalLockKey(j.OrderID), e.cfg.LockTTL(), func(ctx context.Context) error {
		gw, err := e.gateways.Get(w.Gateway)
		if err != nil {
			return Permanent(err)
		}
		res, err := gw.Status(ctx, *w)
		if err != nil {
			return fmt.Errorf("status from %s: %w", gw.Name(), err)
		}
		if res.Status == PayoutPending {
			logrus.WithField("order_id", j.OrderID).Debug("payout still pending")
			return nil
		}
		return e.finishPayout(ctx, w, res)
	})
}

// ProcessWithdrawalCallback applies a gateway's verdict on a withdrawal payout.
func (e *Engine) ProcessWithdrawalCallback(ctx context.Context, j *GatewayCallbackJob) error {
	w, err := e.ds.GetWithdrawal(ctx, j.OrderID)
	if err != nil {
		return err
	}
	if !j.Amount.IsZero() && !w.Amount.Equal(j.Amount) {
		return fmt.Errorf("withdrawal %s callback for %s, expected %s: %w", j.OrderID, j.Amount, w.Amount, ErrAmountMismatch)
	}
	if w.Gateway != "" && j.Gateway != "" && w.Gateway != j.Gateway {
		return fmt.Errorf("%w: withdrawal %s belongs to gateway %s", ErrBusinessRule, j.OrderID, w.Gateway)
	}

	status := model.WithdrawalCompleted
	if j.Status == CallbackFailed {
		status = model.WithdrawalFailed
	}
	return e.UpdateWithdrawalStatus(ctx, &WithdrawalStatusJob{
		OrderID:       j.OrderID,
		Status:        string(status),
		TransactionID: j.TransactionID,
		Reason:        j.Reason,
	})
}

// ProcessGatewayCallback routes a callback to the deposit or withdrawal it refers to.
func (e *Engine) ProcessGatewayCallback(ctx context.Context, j *GatewayCallbackJob) error {
	ctx, span := tracer.Start(ctx, "ProcessGatewayCallback")
	defer span.End()

	_, err := e.ds.GetWithdrawal(ctx, j.OrderID)
	if err == nil {
		return e.ProcessWithdrawalCallback(ctx, j)
	}
	if !database.IsNotFound(err) {
		return err
	}

	_, err = e.ds.GetDeposit(ctx, j.OrderID)
	if err == nil {
		return e.ProcessDepositCallback(ctx, j)
	}
	if !database.IsNotFound(err) {
		return err
	}
	return invalidJob("callback for unknown order %q", j.OrderID)
}
