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
	"sync"
	"testing"
	"time"

	redlock "github.com/blnkfinance/payflow/internal/lock"
	"github.com/blnkfinance/payflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWithdrawal(t *testing.T, env *testEnv, orderID string, accountID int64, amt string) {
	t.Helper()
	require.NoError(t, env.engine.ProcessWithdrawal(context.Background(), &WithdrawalJob{
		OrderID: orderID, AccountID: accountID, Amount: amount(amt), PayoutMethod: "bank",
	}))
}

func entryStatus(t *testing.T, env *testEnv, ref string, entryType model.EntryType) model.EntryStatus {
	t.Helper()
	e, err := env.ds.GetLedgerEntry(context.Background(), ref, entryType)
	require.NoError(t, err)
	return e.Status
}

func withdrawalStatus(t *testing.T, env *testEnv, orderID string) model.WithdrawalStatus {
	t.Helper()
	w, err := env.ds.GetWithdrawal(context.Background(), orderID)
	require.NoError(t, err)
	return w.Status
}

func TestProcessWithdrawal_HoldsFunds(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")

	requestWithdrawal(t, env, "W-1", 1, "40.00")
	assertBalance(t, env, 1, "60.00")
	assert.Equal(t, model.WithdrawalPending, withdrawalStatus(t, env, "W-1"))
	assert.Equal(t, model.EntryPending, entryStatus(t, env, "W-1", model.EntryWithdrawal))

	notify := env.queue.ofType(JobNotifyAdmin)
	require.Len(t, notify, 1)
	assert.Equal(t, QueueAdmin, notify[0].Queue)
	assert.Equal(t, EventWithdrawalRequested, notify[0].Payload.(*NotifyAdminJob).Event)

	err := env.engine.ProcessWithdrawal(context.Background(), &WithdrawalJob{OrderID: "W-1", AccountID: 1, Amount: amount("40.00")})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assertBalance(t, env, 1, "60.00")
}

func TestProcessWithdrawal_ConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	job := &WithdrawalJob{OrderID: "W-1", AccountID: 1, Amount: amount("40.00")}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.engine.ProcessWithdrawal(context.Background(), job)
			// Losers see the lock busy (retried) or the row already written (no-op).
			assert.NotEqual(t, OutcomePermanent, Classify(err))
		}()
	}
	wg.Wait()

	assertBalance(t, env, 1, "60.00")
	assert.Len(t, env.ds.Entries(), 1)
	assert.Equal(t, model.WithdrawalPending, withdrawalStatus(t, env, "W-1"))
}

func TestProcessWithdrawal_InsufficientBalanceDeclined(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()

	err := env.engine.ProcessWithdrawal(ctx, &WithdrawalJob{OrderID: "W-1", AccountID: 1, Amount: amount("150.00")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, OutcomePermanent, Classify(err))

	assertBalance(t, env, 1, "100.00")
	assert.Empty(t, env.ds.Entries())
	w, err := env.ds.GetWithdrawal(ctx, "W-1")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalDeclined, w.Status)
	assert.Equal(t, declinedReason, w.FailureReason)
	assert.Empty(t, env.queue.ofType(JobNotifyAdmin))

	err = env.engine.ProcessWithdrawal(ctx, &WithdrawalJob{OrderID: "W-1", AccountID: 1, Amount: amount("150.00")})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestProcessAdminApproval_Reject(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()
	requestWithdrawal(t, env, "W-1", 1, "40.00")

	reject := &ApprovalJob{WithdrawalID: "W-1", AdminID: "admin-1", Action: ActionReject, Notes: "kyc"}
	require.NoError(t, env.engine.ProcessAdminApproval(ctx, reject))

	assertBalance(t, env, 1, "100.00")
	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, model.WithdrawalRejected, w.Status)
	assert.Equal(t, "admin-1", w.AdminID)
	assert.Equal(t, "kyc", w.AdminNotes)
	assert.Equal(t, model.EntryCancelled, entryStatus(t, env, "W-1", model.EntryWithdrawal))
	assert.Equal(t, model.EntryCompleted, entryStatus(t, env, "W-1", model.EntryRefund))

	err := env.engine.ProcessAdminApproval(ctx, reject)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	err = env.engine.ProcessAdminApproval(ctx, &ApprovalJob{WithdrawalID: "W-1", AdminID: "admin-2", Action: ActionApprove})
	assert.ErrorIs(t, err, ErrWithdrawalAlreadyProcessed)
	assert.Equal(t, OutcomePermanent, Classify(err))
	assertBalance(t, env, 1, "100.00")
}

func TestProcessAdminApproval_Approve(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()
	requestWithdrawal(t, env, "W-1", 1, "40.00")

	approve := &ApprovalJob{WithdrawalID: "W-1", AdminID: "admin-1", Action: ActionApprove}
	require.NoError(t, env.engine.ProcessAdminApproval(ctx, approve))

	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, model.WithdrawalApproved, w.Status)
	assert.Equal(t, env.cfg.Payout.DefaultGateway, w.Gateway)
	assertBalance(t, env, 1, "60.00")

	payments := env.queue.ofType(JobPaymentProcessing)
	require.Len(t, payments, 1)
	assert.Equal(t, QueueWithdrawals, payments[0].Queue)

	// A replayed approval re-schedules the payout under the same job id.
	assert.ErrorIs(t, env.engine.ProcessAdminApproval(ctx, approve), ErrAlreadyProcessed)
	assert.Len(t, env.queue.ofType(JobPaymentProcessing), 1)
}

func TestProcessAdminApproval_WaitsForWithdrawalLock(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()
	requestWithdrawal(t, env, "W-1", 1, "40.00")

	held, err := env.engine.locks.Acquire(ctx, withdrawalLockKey("W-1"), time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Unlock(context.Background())
	}()

	require.NoError(t, env.engine.ProcessAdminApproval(ctx, &ApprovalJob{WithdrawalID: "W-1", AdminID: "admin-1", Action: ActionApprove}))
	assert.Equal(t, model.WithdrawalApproved, withdrawalStatus(t, env, "W-1"))

	// Still held after the wait: requeued as contention.
	env.cfg.Lock.WaitMs = 50
	requestWithdrawal(t, env, "W-2", 1, "10.00")
	_, err = env.engine.locks.Acquire(ctx, withdrawalLockKey("W-2"), time.Minute)
	require.NoError(t, err)
	err = env.engine.ProcessAdminApproval(ctx, &ApprovalJob{WithdrawalID: "W-2", AdminID: "admin-1", Action: ActionApprove})
	assert.ErrorIs(t, err, redlock.ErrLockBusy)
	assert.True(t, isContention(err))
	assert.Equal(t, model.WithdrawalPending, withdrawalStatus(t, env, "W-2"))
}

func TestProcessAdminApproval_NoActiveGateway(t *testing.T) {
	registry := NewGatewayRegistry("manual")
	registry.Register(NewManualGateway("manual"), false)
	env := newTestEnv(t, WithGateways(registry))
	env.account(t, 1, "100.00")
	ctx := context.Background()
	requestWithdrawal(t, env, "W-1", 1, "40.00")

	err := env.engine.ProcessAdminApproval(ctx, &ApprovalJob{WithdrawalID: "W-1", AdminID: "admin-1", Action: ActionApprove})
	assert.ErrorIs(t, err, ErrNoActiveGateway)
	assert.Equal(t, OutcomePermanent, Classify(err))

	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, model.WithdrawalRejected, w.Status)
	assert.Contains(t, w.FailureReason, "no active payout gateway")
	assertBalance(t, env, 1, "100.00")
	assert.Empty(t, env.queue.ofType(JobPaymentProcessing))
}

func TestUpdateWithdrawalStatus_InvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	requestWithdrawal(t, env, "W-1", 1, "40.00")

	err := env.engine.UpdateWithdrawalStatus(context.Background(), &WithdrawalStatusJob{OrderID: "W-1", Status: "completed"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.WithdrawalPending, withdrawalStatus(t, env, "W-1"))
}

func TestRefundWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()

	// A failure recorded without its refund, as left by an interrupted operator action.
	_, err := env.engine.ApplyMutation(ctx, Mutation{
		AccountID: 1, Delta: amount("-30.00"), Type: model.EntryWithdrawal, Reference: "W-1", Status: model.EntryPending,
	})
	require.NoError(t, err)
	env.ds.SeedWithdrawal(model.WithdrawalRequest{
		OrderID: "W-1", AccountID: 1, Amount: amount("30.00"), Status: model.WithdrawalFailed, FailureReason: "bank bounced",
	})

	require.NoError(t, env.engine.RefundWithdrawal(ctx, &RefundJob{OrderID: "W-1"}))
	assertBalance(t, env, 1, "100.00")
	assert.Equal(t, model.WithdrawalRefunded, withdrawalStatus(t, env, "W-1"))
	assert.Equal(t, model.EntryFailed, entryStatus(t, env, "W-1", model.EntryWithdrawal))

	assert.ErrorIs(t, env.engine.RefundWithdrawal(ctx, &RefundJob{OrderID: "W-1"}), ErrAlreadyProcessed)
	assertBalance(t, env, 1, "100.00")

	requestWithdrawal(t, env, "W-2", 1, "10.00")
	err = env.engine.RefundWithdrawal(ctx, &RefundJob{OrderID: "W-2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assertBalance(t, env, 1, "90.00")
}

func TestRefundWithdrawal_RejectedAlreadyRefunded(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "100.00")
	ctx := context.Background()
	requestWithdrawal(t, env, "W-1", 1, "40.00")
	require.NoError(t, env.engine.ProcessAdminApproval(ctx, &ApprovalJob{WithdrawalID: "W-1", AdminID: "a", Action: ActionReject}))

	assert.ErrorIs(t, env.engine.RefundWithdrawal(ctx, &RefundJob{OrderID: "W-1"}), ErrAlreadyProcessed)
	assertBalance(t, env, 1, "100.00")
}
