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
	"errors"
	"fmt"

	"github.com/blnkfinance/payflow/internal/apierror"
	"github.com/lib/pq"
)

var (
	// ErrRowLocked means a skip-locked read could not take every requested row. Callers
	// requeue the whole job rather than wait.
	ErrRowLocked = errors.New("row is locked by another transaction")
	// ErrDeadlock covers deadlock_detected and serialization_failure; the transaction is
	// safe to retry from the start.
	ErrDeadlock          = errors.New("transaction deadlock")
	ErrTimeout           = errors.New("statement timeout")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrStaleState        = errors.New("row is no longer in the expected state")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// mapError translates driver errors into the package sentinels, keeping the cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01", "40001":
			return fmt.Errorf("%w: %w", ErrDeadlock, err)
		case "55P03":
			return fmt.Errorf("%w: %w", ErrRowLocked, err)
		case "57014":
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		case "23505":
			return fmt.Errorf("%w: %w", ErrDuplicateEntry, err)
		}
	}
	return err
}

// IsRetryable reports whether err is a transient contention fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

func IsNotFound(err error) bool {
	return apierror.IsCode(err, apierror.ErrNotFound)
}

func notFound(what string, key interface{}) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%v' not found", what, key), nil)
}

func internalError(message string, err error) error {
	mapped := mapError(err)
	if mapped != err {
		return mapped
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
}

// rowError maps a QueryRow scan error, turning sql.ErrNoRows into a not-found error.
func rowError(err error, what string, key interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(what, key)
	}
	return internalError(fmt.Sprintf("failed to load %s", what), err)
}
