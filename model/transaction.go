package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDeposit           EntryType = "deposit"
	EntryWithdrawal        EntryType = "withdrawal"
	EntryDepositBonus      EntryType = "deposit_bonus"
	EntryRegistrationBonus EntryType = "registration_bonus"
	EntryReferral          EntryType = "referral"
	EntryRefund            EntryType = "refund"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// LedgerEntry records one balance-affecting event. Amount is signed. (Reference, Type) is unique.
type LedgerEntry struct {
	EntryID      string                 `json:"entry_id"`
	AccountID    int64                  `json:"account_id"`
	Type         EntryType              `json:"type"`
	Amount       decimal.Decimal        `json:"amount"`
	BalanceAfter decimal.Decimal        `json:"balance_after"`
	Status       EntryStatus            `json:"status"`
	Reference    string                 `json:"reference"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func (entry *LedgerEntry) ToJSON() ([]byte, error) {
	return json.Marshal(entry)
}

// IsTerminal reports whether the entry status can no longer change.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryCompleted || s == EntryFailed || s == EntryCancelled
}

func RegistrationBonusReference(accountID int64) string {
	return "registration_bonus:" + formatID(accountID)
}

func DepositBonusReference(accountID int64) string {
	return "first_deposit_bonus:" + formatID(accountID)
}

func ReferralRewardReference(orderID string) string {
	return "referral:" + orderID
}
