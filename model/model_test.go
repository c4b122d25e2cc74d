package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedAccountIDs(t *testing.T) {
	assert.Equal(t, []int64{1, 4, 9}, SortedAccountIDs(9, 1, 4, 9, 1))
	assert.Equal(t, []int64{}, SortedAccountIDs())
}

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("entry")
	assert.True(t, strings.HasPrefix(id, "entry_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("entry"))
}

func TestWithdrawalTransitions(t *testing.T) {
	tests := []struct {
		from, to WithdrawalStatus
		allowed  bool
	}{
		{WithdrawalPending, WithdrawalApproved, true},
		{WithdrawalPending, WithdrawalRejected, true},
		{WithdrawalApproved, WithdrawalProcessing, true},
		{WithdrawalProcessing, WithdrawalCompleted, true},
		{WithdrawalProcessing, WithdrawalFailed, true},
		{WithdrawalFailed, WithdrawalRefunded, true},
		{WithdrawalPending, WithdrawalCompleted, false},
		{WithdrawalApproved, WithdrawalRejected, false},
		{WithdrawalCompleted, WithdrawalRefunded, false},
		{WithdrawalRejected, WithdrawalApproved, false},
		{WithdrawalDeclined, WithdrawalApproved, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, WithdrawalCompleted.IsTerminal())
	assert.True(t, WithdrawalRefunded.IsTerminal())
	assert.False(t, WithdrawalProcessing.IsTerminal())
	assert.True(t, WithdrawalRejected.NeedsRefund())
	assert.False(t, WithdrawalDeclined.NeedsRefund())
}

func TestDepositTransitions(t *testing.T) {
	assert.True(t, DepositPending.CanTransition(DepositCompleted))
	assert.True(t, DepositPending.CanTransition(DepositFailed))
	assert.False(t, DepositCompleted.CanTransition(DepositFailed))
	assert.False(t, DepositFailed.CanTransition(DepositCompleted))
}

func TestReferences(t *testing.T) {
	assert.Equal(t, "registration_bonus:42", RegistrationBonusReference(42))
	assert.Equal(t, "first_deposit_bonus:7", DepositBonusReference(7))
	assert.Equal(t, "referral:D1", ReferralRewardReference("D1"))
}
