package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalRejected   WithdrawalStatus = "rejected"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalRefunded   WithdrawalStatus = "refunded"
	// WithdrawalDeclined marks a request refused before any funds were debited.
	WithdrawalDeclined WithdrawalStatus = "declined"
)

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:    {WithdrawalApproved, WithdrawalRejected},
	WithdrawalApproved:   {WithdrawalProcessing},
	WithdrawalProcessing: {WithdrawalCompleted, WithdrawalFailed},
	WithdrawalFailed:     {WithdrawalRefunded},
}

type WithdrawalRequest struct {
	OrderID              string           `json:"order_id"`
	AccountID            int64            `json:"account_id"`
	Amount               decimal.Decimal  `json:"amount"`
	PayoutMethod         string           `json:"payout_method"`
	Gateway              string           `json:"gateway,omitempty"`
	Status               WithdrawalStatus `json:"status"`
	AdminID              string           `json:"admin_id,omitempty"`
	AdminDecision        string           `json:"admin_decision,omitempty"`
	AdminNotes           string           `json:"admin_notes,omitempty"`
	FailureReason        string           `json:"failure_reason,omitempty"`
	GatewayTransactionID string           `json:"gateway_transaction_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// CanTransition reports whether the withdrawal state machine allows moving from -> to.
func (from WithdrawalStatus) CanTransition(to WithdrawalStatus) bool {
	for _, next := range withdrawalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (from WithdrawalStatus) IsTerminal() bool {
	return len(withdrawalTransitions[from]) == 0
}

// NeedsRefund reports whether funds held for a withdrawal in this status must be returned.
func (from WithdrawalStatus) NeedsRefund() bool {
	return from == WithdrawalRejected || from == WithdrawalFailed
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
