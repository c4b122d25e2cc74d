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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/payflow/model"
	"github.com/shopspring/decimal"
)

// IDataSource is the relational store: the single source of truth for accounts, ledger
// entries and request rows. Money only moves inside WithTx.
type IDataSource interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error

	account
	ledgerEntry
	withdrawal
	deposit
	referral
	failedJob
	report
}

// account reads and creates account rows outside a money-moving transaction.
type account interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	GetUplines(ctx context.Context, accountID int64, depth int) ([]int64, error)                                  // Ancestors of accountID, nearest first
	ListAccountsMissingRegistrationBonus(ctx context.Context, createdAfter time.Time, limit int) ([]int64, error) // Candidates for the bonus sweep
}

type ledgerEntry interface {
	GetLedgerEntry(ctx context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, accountID int64, limit, offset int) ([]model.LedgerEntry, error)
}

type withdrawal interface {
	GetWithdrawal(ctx context.Context, orderID string) (*model.WithdrawalRequest, error)
	ListWithdrawalsByStatus(ctx context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]model.WithdrawalRequest, error)
}

type deposit interface {
	CreateDepositRequest(ctx context.Context, deposit *model.DepositRequest) error
	GetDeposit(ctx context.Context, orderID string) (*model.DepositRequest, error)
}

type referral interface {
	GetReferral(ctx context.Context, referredID int64) (*model.Referral, error)
	GetRebateAccount(ctx context.Context, accountID int64) (*model.RebateAccount, error)
}

type failedJob interface {
	RecordFailedJob(ctx context.Context, job *model.FailedJob) error
	FailedJobIDs(ctx context.Context, jobIDs []string) (map[string]bool, error) // The subset of jobIDs already recorded
	ListFailedJobs(ctx context.Context, limit, offset int) ([]model.FailedJob, error)
	DeleteFailedJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

type report interface {
	GetDailySummary(ctx context.Context, day time.Time) (*model.AdminReport, error)
	SaveAdminReport(ctx context.Context, report *model.AdminReport) error
}

// Tx is the statement set available inside a money-moving transaction. Account rows must
// be taken with TryLockAccounts before any of them is mutated.
type Tx interface {
	// TryLockAccounts locks the rows for ids in ascending order without waiting.
	// It returns ErrRowLocked when any row is held by another transaction.
	TryLockAccounts(ctx context.Context, ids []int64) (map[int64]*model.Account, error)
	IncrementBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error)
	RecordDeposit(ctx context.Context, accountID int64, amount decimal.Decimal) (int, error)
	MarkFirstDepositBonus(ctx context.Context, accountID int64) (bool, error)
	MarkRegistrationBonus(ctx context.Context, accountID int64) (bool, error)
	SetReferredBy(ctx context.Context, accountID, referrerID int64) error

	GetLedgerEntry(ctx context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error)
	GetFirstLedgerEntry(ctx context.Context, accountID int64, entryType model.EntryType) (*model.LedgerEntry, error) // Oldest entry of entryType for accountID
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
	UpdateLedgerEntryStatus(ctx context.Context, reference string, entryType model.EntryType, status model.EntryStatus) error

	GetWithdrawalForUpdate(ctx context.Context, orderID string) (*model.WithdrawalRequest, error)
	InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error
	UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error

	GetDepositForUpdate(ctx context.Context, orderID string) (*model.DepositRequest, error)
	UpdateDeposit(ctx context.Context, d *model.DepositRequest, from model.DepositStatus) error

	GetReferral(ctx context.Context, referredID int64) (*model.Referral, error)
	InsertReferral(ctx context.Context, r *model.Referral) error
	EnsureRebateAccount(ctx context.Context, accountID int64) error
	IncrementReferralStats(ctx context.Context, accountID int64, direct, team int) error
	AddRebate(ctx context.Context, accountID int64, amount decimal.Decimal) error
}
