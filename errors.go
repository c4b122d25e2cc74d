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
	"errors"
	"fmt"

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/apierror"
	redlock "github.com/blnkfinance/payflow/internal/lock"
)

var (
	// ErrAlreadyProcessed reports that the work a job asks for is already reflected in the
	// ledger or request tables. Workers treat it as success.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrBonusNotEligible means the account's history earns no bonus. Nothing to do, ever.
	ErrBonusNotEligible = errors.New("not eligible for bonus")

	// ErrInvalidJob covers payloads that cannot be parsed, fail validation or name an
	// unknown job type. Never retried.
	ErrInvalidJob = errors.New("invalid job")

	// ErrBusinessRule is the parent of every rule violation. Never retried; the outcome is
	// visible on the request row.
	ErrBusinessRule = errors.New("business rule violation")

	ErrInsufficientFunds          = fmt.Errorf("%w: insufficient balance", ErrBusinessRule)
	ErrWithdrawalAlreadyProcessed = fmt.Errorf("%w: withdrawal already processed", ErrBusinessRule)
	ErrNoActiveGateway            = fmt.Errorf("%w: no active payout gateway", ErrBusinessRule)
	ErrAmountMismatch             = fmt.Errorf("%w: amount does not match request", ErrBusinessRule)
	ErrSelfReferral               = fmt.Errorf("%w: account cannot refer itself", ErrBusinessRule)
	ErrInvalidTransition          = fmt.Errorf("%w: status transition not allowed", ErrBusinessRule)

	// ErrJobInFlight means another worker holds the dedup claim for the same operation.
	ErrJobInFlight = errors.New("operation is in flight on another worker")

	ErrStalled = errors.New("job stalled too many times")
)

// PermanentError forces a job to fail without retry regardless of the wrapped cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Classify reports it as permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func invalidJob(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}

// Outcome is how the worker layer treats the result of a job.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoop
	OutcomeRetry
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	default:
		return "success"
	}
}

// Classify maps a processor error onto retry policy. Anything it does not recognise is
// assumed transient.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var permanent *PermanentError
	switch {
	case errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrBonusNotEligible),
		errors.Is(err, database.ErrDuplicateEntry),
		errors.Is(err, database.ErrStaleState):
		return OutcomeNoop
	case errors.As(err, &permanent),
		errors.Is(err, ErrInvalidJob),
		errors.Is(err, ErrBusinessRule),
		errors.Is(err, ErrStalled),
		errors.Is(err, database.ErrInsufficientFunds),
		apierror.IsCode(err, apierror.ErrNotFound),
		apierror.IsCode(err, apierror.ErrInvalidInput):
		return OutcomePermanent
	}
	return OutcomeRetry
}

// isContention reports errors caused by another worker holding the same resource. They
// are retried without counting against the job's attempts.
func isContention(err error) bool {
	return errors.Is(err, database.ErrRowLocked) ||
		errors.Is(err, redlock.ErrLockBusy) ||
		errors.Is(err, ErrJobInFlight)
}
