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
	"time"

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Mutation is one signed balance change and the ledger entry that records it. Reference
// and Type together identify the change; applying the same pair twice is a no-op.
type Mutation struct {
	AccountID int64
	Delta     decimal.Decimal
	Type      model.EntryType
	Reference string
	Status    model.EntryStatus
	MetaData  map[string]interface{}
}

type MutationResult struct {
	Entries []model.LedgerEntry
	// Balances holds the post-mutation balance of every account that changed.
	Balances map[int64]decimal.Decimal
	// AlreadyApplied is set when every mutation had been applied before.
	AlreadyApplied bool
}

// ApplyMutation applies a single mutation atomically.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - m Mutation: The balance change and its ledger entry.
//
// Returns:
// - *MutationResult: The inserted entry and new balance, or AlreadyApplied.
// - error: ErrInsufficientFunds, a contention error, or a storage error.
func (e *Engine) ApplyMutation(ctx context.Context, m Mutation) (*MutationResult, error) {
	return e.ApplyMutations(ctx, []Mutation{m})
}

// ApplyMutations applies ms in one transaction. Every touched account is locked up front
// in ascending id order.
func (e *Engine) ApplyMutations(ctx context.Context, ms []Mutation) (*MutationResult, error) {
	ctx, span := tracer.Start(ctx, "ApplyMutations")
	defer span.End()

	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.AccountID)
	}

	var result *MutationResult
	err := e.inTx(ctx, ids, func(ctx context.Context, tx database.Tx, _ map[int64]*model.Account) error {
		var err error
		result, err = applyInTx(ctx, tx, ms)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, translateStorageError(err)
	}
	return result, nil
}

// inTx runs fn in a fresh transaction with the given accounts locked. The whole
// transaction is retried with randomized exponential backoff while the database reports
// a deadlock; a skipped row lock is returned as is so the job can be requeued.
func (e *Engine) inTx(ctx context.Context, accountIDs []int64, fn func(ctx context.Context, tx database.Tx, accounts map[int64]*model.Account) error) error {
	ids := model.SortedAccountIDs(accountIDs...)
	op := func(ctx context.Context) error {
		if timeout := e.cfg.TransactionTimeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return e.ds.WithTx(ctx, func(ctx context.Context, tx database.Tx) error {
			accounts := map[int64]*model.Account{}
			if len(ids) > 0 {
				var err error
				accounts, err = tx.TryLockAccounts(ctx, ids)
				if err != nil {
					if errors.Is(err, database.ErrRowLocked) {
						e.observer.IncRowSkip()
					}
					return err
				}
			}
			return fn(ctx, tx, accounts)
		})
	}

	return e.retry.Do(ctx, database.IsRetryable, op, func(err error, wait time.Duration) {
		e.observer.IncDeadlockRetry()
		logrus.WithFields(logrus.Fields{"accounts": ids, "wait": wait}).Warnf("ledger transaction retry: %v", err)
	})
}

// applyInTx records ms against already locked accounts.
func applyInTx(ctx context.Context, tx database.Tx, ms []Mutation) (*MutationResult, error) {
	result := &MutationResult{Balances: map[int64]decimal.Decimal{}}
	applied := 0
	for _, m := range ms {
		_, err := tx.GetLedgerEntry(ctx, m.Reference, m.Type)
		if err == nil {
			continue
		}
		if !database.IsNotFound(err) {
			return nil, err
		}

		balance, err := tx.IncrementBalance(ctx, m.AccountID, m.Delta)
		if err != nil {
			return nil, err
		}
		status := m.Status
		if status == "" {
			status = model.EntryCompleted
		}
		entry := model.LedgerEntry{
			AccountID:    m.AccountID,
			Type:         m.Type,
			Amount:       m.Delta,
			BalanceAfter: balance,
			Status:       status,
			Reference:    m.Reference,
			MetaData:     m.MetaData,
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, entry)
		result.Balances[m.AccountID] = balance
		applied++
	}
	result.AlreadyApplied = applied == 0 && len(ms) > 0
	return result, nil
}

// translateStorageError lifts storage sentinels that carry business meaning into the job
// error taxonomy.
func translateStorageError(err error) error {
	if errors.Is(err, database.ErrInsufficientFunds) {
		return ErrInsufficientFunds
	}
	return err
}
