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

// Package mocks provides an in-memory IDataSource for exercising job processors without
// Postgres. Transactions are serialized and undone on error, which is enough to check
// balance arithmetic and idempotency under concurrent callers.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/apierror"
	"github.com/blnkfinance/payflow/model"
	"github.com/shopspring/decimal"
)

type entryKey struct {
	reference string
	entryType model.EntryType
}

// MemoryDataSource implements database.IDataSource over maps.
type MemoryDataSource struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts    map[int64]*model.Account
	entries     map[entryKey]*model.LedgerEntry
	entryOrder  []entryKey
	withdrawals map[string]*model.WithdrawalRequest
	deposits    map[string]*model.DepositRequest
	referrals   map[int64]*model.Referral
	rebates     map[int64]*model.RebateAccount
	failedJobs  []model.FailedJob
	reports     map[string]*model.AdminReport

	lockedRows map[int64]bool
	txFailures []error
	commits    int
	rollbacks  int
}

var _ database.IDataSource = (*MemoryDataSource)(nil)

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		accounts:    make(map[int64]*model.Account),
		entries:     make(map[entryKey]*model.LedgerEntry),
		withdrawals: make(map[string]*model.WithdrawalRequest),
		deposits:    make(map[string]*model.DepositRequest),
		referrals:   make(map[int64]*model.Referral),
		rebates:     make(map[int64]*model.RebateAccount),
		reports:     make(map[string]*model.AdminReport),
		lockedRows:  make(map[int64]bool),
	}
}

// LockRow makes TryLockAccounts report id as held by another transaction until UnlockRow.
func (m *MemoryDataSource) LockRow(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockedRows[id] = true
}

func (m *MemoryDataSource) UnlockRow(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockedRows, id)
}

// FailNextTx makes the next n transactions roll back with err at commit time.
func (m *MemoryDataSource) FailNextTx(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.txFailures = append(m.txFailures, err)
	}
}

// Stats returns the number of committed and rolled back transactions.
func (m *MemoryDataSource) Stats() (commits, rollbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.rollbacks
}

// Entries returns every ledger entry in insertion order.
func (m *MemoryDataSource) Entries() []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LedgerEntry, 0, len(m.entryOrder))
	for _, k := range m.entryOrder {
		if e, ok := m.entries[k]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// SeedWithdrawal stores w as is, bypassing the transactional path.
func (m *MemoryDataSource) SeedWithdrawal(w model.WithdrawalRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[w.OrderID] = &w
}

func (m *MemoryDataSource) WithTx(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{m: m}
	err := fn(ctx, tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && len(m.txFailures) > 0 {
		err = m.txFailures[0]
		m.txFailures = m.txFailures[1:]
	}
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.rollbacks++
		return err
	}
	m.commits++
	return nil
}

func (m *MemoryDataSource) Ping(context.Context) error { return nil }
func (m *MemoryDataSource) Close() error               { return nil }

func notFound(what string, key interface{}) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%v' not found", what, key), nil)
}

func (m *MemoryDataSource) CreateAccount(_ context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.AccountID]; ok {
		return database.ErrDuplicateEntry
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	a := *account
	m.accounts[a.AccountID] = &a
	return nil
}

func (m *MemoryDataSource) GetAccount(_ context.Context, accountID int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, notFound("account", accountID)
	}
	out := *a
	return &out, nil
}

func (m *MemoryDataSource) GetAccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ReferralCode == code && code != "" {
			out := *a
			return &out, nil
		}
	}
	return nil, notFound("referral code", code)
}

func (m *MemoryDataSource) GetUplines(_ context.Context, accountID int64, depth int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	current, ok := m.accounts[accountID]
	for ok && len(ids) < depth && current.ReferredBy != nil {
		ids = append(ids, *current.ReferredBy)
		current, ok = m.accounts[*current.ReferredBy]
	}
	return ids, nil
}

func (m *MemoryDataSource) ListAccountsMissingRegistrationBonus(_ context.Context, createdAfter time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, a := range m.accounts {
		if !a.RegistrationBonusReceived && !a.CreatedAt.Before(createdAfter) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryDataSource) GetLedgerEntry(_ context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getEntry(reference, entryType)
}

func (m *MemoryDataSource) getEntry(reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	e, ok := m.entries[entryKey{reference, entryType}]
	if !ok {
		return nil, notFound("ledger entry", reference)
	}
	out := *e
	return &out, nil
}

func (m *MemoryDataSource) ListLedgerEntries(_ context.Context, accountID int64, limit, offset int) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for i := len(m.entryOrder) - 1; i >= 0; i-- {
		e, ok := m.entries[m.entryOrder[i]]
		if ok && e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) GetWithdrawal(_ context.Context, orderID string) (*model.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[orderID]
	if !ok {
		return nil, notFound("withdrawal", orderID)
	}
	out := *w
	return &out, nil
}

func (m *MemoryDataSource) ListWithdrawalsByStatus(_ context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]model.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.Status == status && w.UpdatedAt.Before(updatedBefore) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) CreateDepositRequest(_ context.Context, d *model.DepositRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deposits[d.OrderID]; ok {
		return database.ErrDuplicateEntry
	}
	if d.Status == "" {
		d.Status = model.DepositPending
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	c := *d
	m.deposits[d.OrderID] = &c
	return nil
}

func (m *MemoryDataSource) GetDeposit(_ context.Context, orderID string) (*model.DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[orderID]
	if !ok {
		return nil, notFound("deposit", orderID)
	}
	out := *d
	return &out, nil
}

func (m *MemoryDataSource) GetReferral(_ context.Context, referredID int64) (*model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.referrals[referredID]
	if !ok {
		return nil, notFound("referral", referredID)
	}
	out := *r
	return &out, nil
}

func (m *MemoryDataSource) GetRebateAccount(_ context.Context, accountID int64) (*model.RebateAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rebates[accountID]
	if !ok {
		return nil, notFound("rebate account", accountID)
	}
	out := *r
	return &out, nil
}

func (m *MemoryDataSource) RecordFailedJob(_ context.Context, job *model.FailedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.FailedAt.IsZero() {
		job.FailedAt = time.Now().UTC()
	}
	job.ID = int64(len(m.failedJobs) + 1)
	m.failedJobs = append(m.failedJobs, *job)
	return nil
}

func (m *MemoryDataSource) FailedJobIDs(_ context.Context, jobIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		for _, j := range m.failedJobs {
			if j.JobID == id {
				found[id] = true
				break
			}
		}
	}
	return found, nil
}

func (m *MemoryDataSource) ListFailedJobs(_ context.Context, limit, offset int) ([]model.FailedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FailedJob
	for i := len(m.failedJobs) - 1; i >= 0; i-- {
		out = append(out, m.failedJobs[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) DeleteFailedJobsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.failedJobs[:0]
	var deleted int64
	for _, j := range m.failedJobs {
		if j.FailedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, j)
	}
	m.failedJobs = kept
	return deleted, nil
}

func (m *MemoryDataSource) GetDailySummary(_ context.Context, day time.Time) (*model.AdminReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	r := &model.AdminReport{ReportDate: start}
	for _, e := range m.entries {
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		switch e.Type {
		case model.EntryDeposit:
			r.TotalDeposits = r.TotalDeposits.Add(e.Amount)
			r.DepositCount++
		case model.EntryWithdrawal:
			if e.Status == model.EntryCompleted {
				r.TotalWithdrawals = r.TotalWithdrawals.Add(e.Amount.Neg())
				r.WithdrawalCount++
			}
		case model.EntryDepositBonus, model.EntryRegistrationBonus, model.EntryReferral:
			r.TotalBonuses = r.TotalBonuses.Add(e.Amount)
		case model.EntryRefund:
			r.TotalRefunds = r.TotalRefunds.Add(e.Amount)
		}
	}
	for _, w := range m.withdrawals {
		if w.Status == model.WithdrawalPending {
			r.PendingWithdrawals++
		}
	}
	return r, nil
}

func (m *MemoryDataSource) SaveAdminReport(_ context.Context, report *model.AdminReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = time.Now().UTC()
	}
	r := *report
	m.reports[report.ReportDate.Format(time.DateOnly)] = &r
	return nil
}

// Report returns the saved report for day, if any.
func (m *MemoryDataSource) Report(day time.Time) (*model.AdminReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[day.UTC().Format(time.DateOnly)]
	if !ok {
		return nil, false
	}
	out := *r
	return &out, true
}

// memTx records an undo step for every mutation so a failed transaction leaves no trace.
type memTx struct {
	m    *MemoryDataSource
	undo []func()
}

func (t *memTx) saveAccount(a *model.Account) {
	prev := *a
	t.undo = append(t.undo, func() { *a = prev })
}

func (t *memTx) account(id int64) (*model.Account, error) {
	a, ok := t.m.accounts[id]
	if !ok {
		return nil, notFound("account", id)
	}
	return a, nil
}

func (t *memTx) TryLockAccounts(_ context.Context, ids []int64) (map[int64]*model.Account, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	locked := make(map[int64]*model.Account, len(ids))
	for _, id := range model.SortedAccountIDs(ids...) {
		a, err := t.account(id)
		if err != nil {
			return nil, err
		}
		if t.m.lockedRows[id] {
			return nil, database.ErrRowLocked
		}
		c := *a
		locked[id] = &c
	}
	return locked, nil
}

func (t *memTx) IncrementBalance(_ context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	a, err := t.account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, database.ErrInsufficientFunds
	}
	t.saveAccount(a)
	a.Balance = next
	a.UpdatedAt = time.Now().UTC()
	return next, nil
}

func (t *memTx) RecordDeposit(_ context.Context, accountID int64, amount decimal.Decimal) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	a, err := t.account(accountID)
	if err != nil {
		return 0, err
	}
	t.saveAccount(a)
	previous := a.DepositCount
	a.DepositCount++
	a.TotalDeposits = a.TotalDeposits.Add(amount)
	return previous, nil
}

func (t *memTx) MarkFirstDepositBonus(_ context.Context, accountID int64) (bool, error) {
	return t.setFlag(accountID, func(a *model.Account) *bool { return &a.FirstDepositBonusReceived })
}

func (t *memTx) MarkRegistrationBonus(_ context.Context, accountID int64) (bool, error) {
	return t.setFlag(accountID, func(a *model.Account) *bool { return &a.RegistrationBonusReceived })
}

func (t *memTx) setFlag(accountID int64, field func(*model.Account) *bool) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	a, ok := t.m.accounts[accountID]
	if !ok || *field(a) {
		return false, nil
	}
	t.saveAccount(a)
	*field(a) = true
	return true, nil
}

func (t *memTx) SetReferredBy(_ context.Context, accountID, referrerID int64) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	a, ok := t.m.accounts[accountID]
	if !ok || a.ReferredBy != nil {
		return database.ErrStaleState
	}
	t.saveAccount(a)
	a.ReferredBy = &referrerID
	return nil
}

func (t *memTx) GetLedgerEntry(_ context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.getEntry(reference, entryType)
}

func (t *memTx) GetFirstLedgerEntry(_ context.Context, accountID int64, entryType model.EntryType) (*model.LedgerEntry, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, k := range t.m.entryOrder {
		if e := t.m.entries[k]; e != nil && e.AccountID == accountID && e.Type == entryType {
			out := *e
			return &out, nil
		}
	}
	return nil, notFound("ledger entry", accountID)
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	key := entryKey{entry.Reference, entry.Type}
	if _, ok := t.m.entries[key]; ok {
		return database.ErrDuplicateEntry
	}
	if entry.EntryID == "" {
		entry.EntryID = model.GenerateUUIDWithSuffix("entry")
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	e := *entry
	t.m.entries[key] = &e
	t.m.entryOrder = append(t.m.entryOrder, key)
	t.undo = append(t.undo, func() {
		delete(t.m.entries, key)
		t.m.entryOrder = t.m.entryOrder[:len(t.m.entryOrder)-1]
	})
	return nil
}

func (t *memTx) UpdateLedgerEntryStatus(_ context.Context, reference string, entryType model.EntryType, status model.EntryStatus) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	e, ok := t.m.entries[entryKey{reference, entryType}]
	if !ok {
		return notFound("ledger entry", reference)
	}
	prev := *e
	t.undo = append(t.undo, func() { *e = prev })
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) GetWithdrawalForUpdate(_ context.Context, orderID string) (*model.WithdrawalRequest, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	w, ok := t.m.withdrawals[orderID]
	if !ok {
		return nil, notFound("withdrawal", orderID)
	}
	out := *w
	return &out, nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.withdrawals[w.OrderID]; ok {
		return database.ErrDuplicateEntry
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	c := *w
	t.m.withdrawals[w.OrderID] = &c
	t.undo = append(t.undo, func() { delete(t.m.withdrawals, c.OrderID) })
	return nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cur, ok := t.m.withdrawals[w.OrderID]
	if !ok || cur.Status != from {
		return database.ErrStaleState
	}
	prev := *cur
	t.undo = append(t.undo, func() { *cur = prev })
	w.UpdatedAt = time.Now().UTC()
	w.CreatedAt = cur.CreatedAt
	*cur = *w
	return nil
}

func (t *memTx) GetDepositForUpdate(_ context.Context, orderID string) (*model.DepositRequest, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	d, ok := t.m.deposits[orderID]
	if !ok {
		return nil, notFound("deposit", orderID)
	}
	out := *d
	return &out, nil
}

func (t *memTx) UpdateDeposit(_ context.Context, d *model.DepositRequest, from model.DepositStatus) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cur, ok := t.m.deposits[d.OrderID]
	if !ok || cur.Status != from {
		return database.ErrStaleState
	}
	prev := *cur
	t.undo = append(t.undo, func() { *cur = prev })
	d.UpdatedAt = time.Now().UTC()
	d.CreatedAt = cur.CreatedAt
	*cur = *d
	return nil
}

func (t *memTx) GetReferral(_ context.Context, referredID int64) (*model.Referral, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	r, ok := t.m.referrals[referredID]
	if !ok {
		return nil, notFound("referral", referredID)
	}
	out := *r
	return &out, nil
}

func (t *memTx) InsertReferral(_ context.Context, r *model.Referral) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.referrals[r.ReferredID]; ok {
		return database.ErrDuplicateEntry
	}
	if r.ID == "" {
		r.ID = model.GenerateUUIDWithSuffix("ref")
	}
	r.CreatedAt = time.Now().UTC()
	c := *r
	t.m.referrals[r.ReferredID] = &c
	t.undo = append(t.undo, func() { delete(t.m.referrals, c.ReferredID) })
	return nil
}

func (t *memTx) rebate(accountID int64) *model.RebateAccount {
	r, ok := t.m.rebates[accountID]
	if !ok {
		now := time.Now().UTC()
		r = &model.RebateAccount{AccountID: accountID, CreatedAt: now, UpdatedAt: now}
		t.m.rebates[accountID] = r
		t.undo = append(t.undo, func() { delete(t.m.rebates, accountID) })
		return r
	}
	prev := *r
	t.undo = append(t.undo, func() { *r = prev })
	return r
}

func (t *memTx) EnsureRebateAccount(_ context.Context, accountID int64) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.rebate(accountID)
	return nil
}

func (t *memTx) IncrementReferralStats(_ context.Context, accountID int64, direct, team int) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	r := t.rebate(accountID)
	r.DirectReferrals += direct
	r.TeamSize += team
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) AddRebate(_ context.Context, accountID int64, amount decimal.Decimal) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	r := t.rebate(accountID)
	r.TotalRebate = r.TotalRebate.Add(amount)
	r.UpdatedAt = time.Now().UTC()
	return nil
}
