package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositFailed    DepositStatus = "failed"
)

type DepositRequest struct {
	OrderID              string          `json:"order_id"`
	AccountID            int64           `json:"account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Gateway              string          `json:"gateway"`
	Status               DepositStatus   `json:"status"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CanTransition allows only pending -> completed and pending -> failed.
func (from DepositStatus) CanTransition(to DepositStatus) bool {
	return from == DepositPending && (to == DepositCompleted || to == DepositFailed)
}
