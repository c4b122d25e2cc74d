package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	AccountID                 int64           `json:"account_id"`
	ReferralCode              string          `json:"referral_code"`
	ReferredBy                *int64          `json:"referred_by,omitempty"`
	Balance                   decimal.Decimal `json:"balance"`
	TotalDeposits             decimal.Decimal `json:"total_deposits"`
	DepositCount              int             `json:"deposit_count"`
	FirstDepositBonusReceived bool            `json:"first_deposit_bonus_received"`
	RegistrationBonusReceived bool            `json:"registration_bonus_received"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// RebateAccount is the per-account referral bookkeeping record.
type RebateAccount struct {
	AccountID       int64           `json:"account_id"`
	RebateBalance   decimal.Decimal `json:"rebate_balance"`
	TotalRebate     decimal.Decimal `json:"total_rebate"`
	DirectReferrals int             `json:"direct_referrals"`
	TeamSize        int             `json:"team_size"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Referral struct {
	ID           string    `json:"id"`
	ReferrerID   int64     `json:"referrer_id"`
	ReferredID   int64     `json:"referred_id"`
	ReferralCode string    `json:"referral_code"`
	CreatedAt    time.Time `json:"created_at"`
}
