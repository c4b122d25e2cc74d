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
	"testing"

	"github.com/blnkfinance/payflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string {
	return "acme"
}

func (m *mockGateway) Submit(_ context.Context, w model.WithdrawalRequest) (PayoutResult, error) {
	args := m.Called(w.OrderID)
	return args.Get(0).(PayoutResult), args.Error(1)
}

func (m *mockGateway) Status(_ context.Context, w model.WithdrawalRequest) (PayoutResult, error) {
	args := m.Called(w.OrderID)
	return args.Get(0).(PayoutResult), args.Error(1)
}

func newGatewayEnv(t *testing.T) (*testEnv, *mockGateway) {
	gw := &mockGateway{}
	registry := NewGatewayRegistry("acme")
	registry.Register(gw, true)
	env := newTestEnv(t, WithGateways(registry))
	env.account(t, 1, "100.00")
	return env, gw
}

func approvedWithdrawal(t *testing.T, env *testEnv, orderID, amt string) {
	t.Helper()
	requestWithdrawal(t, env, orderID, 1, amt)
	require.NoError(t, env.engine.ProcessAdminApproval(context.Background(), &ApprovalJob{
		WithdrawalID: orderID, AdminID: "admin-1", Action: ActionApprove,
	}))
}

func TestProcessPayment_SubmitAndComplete(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Once()

	require.NoError(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}))
	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, model.WithdrawalProcessing, w.Status)
	assert.Equal(t, "TX-1", w.GatewayTransactionID)

	// A redelivered payment job does not resubmit.
	assert.ErrorIs(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}), ErrAlreadyProcessed)

	require.NoError(t, env.engine.ProcessWithdrawalCallback(ctx, &GatewayCallbackJob{
		OrderID: "W-1", Status: CallbackSuccess, TransactionID: "TX-1", Amount: amount("40.00"), Gateway: "acme",
	}))
	assert.Equal(t, model.WithdrawalCompleted, withdrawalStatus(t, env, "W-1"))
	assert.Equal(t, model.EntryCompleted, entryStatus(t, env, "W-1", model.EntryWithdrawal))
	assertBalance(t, env, 1, "60.00")
	gw.AssertExpectations(t)
}

func TestProcessPayment_FailedCallbackRefunds(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Once()
	require.NoError(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}))

	callback := &GatewayCallbackJob{
		OrderID: "W-1", Status: CallbackFailed, TransactionID: "TX-1", Amount: amount("40.00"), Gateway: "acme", Reason: "account closed",
	}
	require.NoError(t, env.engine.ProcessGatewayCallback(ctx, callback))

	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, model.WithdrawalRefunded, w.Status)
	assert.Equal(t, "account closed", w.FailureReason)
	assert.Equal(t, model.EntryFailed, entryStatus(t, env, "W-1", model.EntryWithdrawal))
	assertBalance(t, env, 1, "100.00")
	assert.Contains(t, env.notifier.titles(), "Withdrawal payout failed")

	assert.ErrorIs(t, env.engine.ProcessGatewayCallback(ctx, callback), ErrAlreadyProcessed)
	assertBalance(t, env, 1, "100.00")
}

func TestProcessPayment_GatewayRejects(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{}, ErrPayoutRejected).Once()

	err := env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"})
	assert.ErrorIs(t, err, ErrPayoutRejected)
	assert.Equal(t, OutcomePermanent, Classify(err))
	assert.Equal(t, model.WithdrawalRefunded, withdrawalStatus(t, env, "W-1"))
	assertBalance(t, env, 1, "100.00")
}

func TestProcessPayment_TransientGatewayError(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{}, errors.New("connection reset")).Once()
	gw.On("Submit", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Once()

	err := env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"})
	require.Error(t, err)
	assert.Equal(t, OutcomeRetry, Classify(err))
	assert.Equal(t, model.WithdrawalProcessing, withdrawalStatus(t, env, "W-1"))

	// The retry finds the withdrawal processing without a gateway id and submits again.
	require.NoError(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}))
	w, _ := env.ds.GetWithdrawal(ctx, "W-1")
	assert.Equal(t, "TX-1", w.GatewayTransactionID)
	gw.AssertExpectations(t)
}

func TestCheckPaymentStatus(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Once()
	require.NoError(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}))

	gw.On("Status", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Once()
	require.NoError(t, env.engine.CheckPaymentStatus(ctx, &PaymentJob{OrderID: "W-1"}))
	assert.Equal(t, model.WithdrawalProcessing, withdrawalStatus(t, env, "W-1"))

	gw.On("Status", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutCompleted}, nil).Once()
	require.NoError(t, env.engine.CheckPaymentStatus(ctx, &PaymentJob{OrderID: "W-1"}))
	assert.Equal(t, model.WithdrawalCompleted, withdrawalStatus(t, env, "W-1"))

	assert.ErrorIs(t, env.engine.CheckPaymentStatus(ctx, &PaymentJob{OrderID: "W-1"}), ErrAlreadyProcessed)
	gw.AssertExpectations(t)
}

func TestRetryPayment_Resubmits(t *testing.T) {
	env, gw := newGatewayEnv(t)
	ctx := context.Background()
	approvedWithdrawal(t, env, "W-1", "40.00")
	gw.On("Submit", "W-1").Return(PayoutResult{TransactionID: "TX-1", Status: PayoutPending}, nil).Twice()

	require.NoError(t, env.engine.ProcessPayment(ctx, &PaymentJob{OrderID: "W-1"}))
	require.NoError(t, env.engine.RetryPayment(ctx, &PaymentJob{OrderID: "W-1"}))
	gw.AssertNumberOfCalls(t, "Submit", 2)
	assert.Equal(t, model.WithdrawalProcessing, withdrawalStatus(t, env, "W-1"))
}

func TestProcessGatewayCallback_UnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.ProcessGatewayCallback(context.Background(), &GatewayCallbackJob{
		OrderID: "nope", Status: CallbackSuccess, TransactionID: "TX", Amount: amount("1.00"), Gateway: "manual",
	})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestManualGateway_SubmitIdempotent(t *testing.T) {
	gw := NewManualGateway("manual")
	w := model.WithdrawalRequest{OrderID: "W-1"}
	first, err := gw.Submit(context.Background(), w)
	require.NoError(t, err)
	second, err := gw.Submit(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, PayoutPending, first.Status)
}

func TestGatewayRegistry(t *testing.T) {
	r := NewGatewayRegistry("a")
	r.Register(NewManualGateway("a"), true)
	r.Register(NewManualGateway("b"), false)

	g, err := r.Active("")
	require.NoError(t, err)
	assert.Equal(t, "a", g.Name())

	_, err = r.Active("b")
	assert.ErrorIs(t, err, ErrNoActiveGateway)
	_, err = r.Active("zzz")
	assert.ErrorIs(t, err, ErrNoActiveGateway)

	g, err = r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "b", g.Name())

	r.SetActive("b", true)
	_, err = r.Active("b")
	assert.NoError(t, err)
}
