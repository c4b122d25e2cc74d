package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// FailedJob is the audit record of a job that will not be retried.
type FailedJob struct {
	ID       int64           `json:"id"`
	JobID    string          `json:"job_id"`
	Queue    string          `json:"queue"`
	JobType  string          `json:"job_type"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

type AdminReport struct {
	ReportDate         time.Time       `json:"report_date"`
	TotalDeposits      decimal.Decimal `json:"total_deposits"`
	DepositCount       int             `json:"deposit_count"`
	TotalWithdrawals   decimal.Decimal `json:"total_withdrawals"`
	WithdrawalCount    int             `json:"withdrawal_count"`
	TotalBonuses       decimal.Decimal `json:"total_bonuses"`
	TotalRefunds       decimal.Decimal `json:"total_refunds"`
	PendingWithdrawals int             `json:"pending_withdrawals"`
	GeneratedAt        time.Time       `json:"generated_at"`
}
