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
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/blnkfinance/payflow/model"
)

const entryColumns = `entry_id, account_id, entry_type, amount, balance_after, status, reference, meta_data, created_at, updated_at`

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var metaJSON []byte
	err := row.Scan(&e.EntryID, &e.AccountID, &e.Type, &e.Amount, &e.BalanceAfter, &e.Status, &e.Reference,
		&metaJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.MetaData); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func getLedgerEntry(ctx context.Context, q querier, reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM payflow.ledger_entries
		WHERE reference = $1 AND entry_type = $2`, reference, entryType)
	e, err := scanEntry(row)
	if err != nil {
		return nil, rowError(err, "ledger entry", reference)
	}
	return e, nil
}

func (d *Datasource) GetLedgerEntry(ctx context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "GetLedgerEntry")
	defer span.End()
	return getLedgerEntry(ctx, d.Conn, reference, entryType)
}

func (d *Datasource) ListLedgerEntries(ctx context.Context, accountID int64, limit, offset int) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+entryColumns+` FROM payflow.ledger_entries
		WHERE account_id = $1 ORDER BY created_at DESC, entry_id LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, internalError("failed to list ledger entries", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, internalError("failed to scan ledger entry", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, reference string, entryType model.EntryType) (*model.LedgerEntry, error) {
	return getLedgerEntry(ctx, t.tx, reference, entryType)
}

func (t *pgTx) GetFirstLedgerEntry(ctx context.Context, accountID int64, entryType model.EntryType) (*model.LedgerEntry, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM payflow.ledger_entries
		WHERE account_id = $1 AND entry_type = $2 ORDER BY created_at, entry_id LIMIT 1`, accountID, entryType)
	e, err := scanEntry(row)
	if err != nil {
		return nil, rowError(err, "ledger entry", accountID)
	}
	return e, nil
}

// InsertLedgerEntry appends entry. A second entry with the same reference and type fails
// with ErrDuplicateEntry.
func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = model.GenerateUUIDWithSuffix("entry")
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now

	var meta []byte
	if entry.MetaData != nil {
		var err error
		if meta, err = json.Marshal(entry.MetaData); err != nil {
			return err
		}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payflow.ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.EntryID, entry.AccountID, entry.Type, entry.Amount, entry.BalanceAfter, entry.Status, entry.Reference,
		meta, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return internalError("failed to record ledger entry", err)
	}
	return nil
}

func (t *pgTx) UpdateLedgerEntryStatus(ctx context.Context, reference string, entryType model.EntryType, status model.EntryStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payflow.ledger_entries SET status = $3, updated_at = NOW()
		WHERE reference = $1 AND entry_type = $2`, reference, entryType, status)
	if err != nil {
		return internalError("failed to update ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internalError("failed to update ledger entry", err)
	}
	if n == 0 {
		return notFound("ledger entry", reference)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
