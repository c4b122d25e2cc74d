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
	"bytes"
	"encoding/json"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Queue names. Each is an independent namespace served by its own worker pool.
const (
	QueueDeposits     = "deposits"
	QueueWithdrawals  = "withdrawals"
	QueueRegistration = "registration"
	QueuePayments     = "payments"
	QueueAdmin        = "admin"
)

// JobType names a processor. The same type may be accepted by more than one queue.
type JobType string

const (
	JobProcessDeposit      JobType = "processDeposit"
	JobApplyDepositBonus   JobType = "applyDepositBonus"
	JobUpdateDepositStatus JobType = "updateDepositStatus"

	JobProcessWithdrawal      JobType = "processWithdrawal"
	JobAdminApproval          JobType = "adminApproval"
	JobPaymentProcessing      JobType = "paymentProcessing"
	JobUpdateWithdrawalStatus JobType = "updateWithdrawalStatus"
	JobRefundWithdrawal       JobType = "refundWithdrawal"

	JobApplyBonus     JobType = "applyBonus"
	JobRecordReferral JobType = "recordReferral"

	JobProcessDepositCallback    JobType = "processDepositCallback"
	JobProcessWithdrawalCallback JobType = "processWithdrawalCallback"
	JobCheckPaymentStatus        JobType = "checkPaymentStatus"
	JobRetryPayment              JobType = "retryPayment"
	JobProcessGatewayCallback    JobType = "processGatewayCallback"

	JobNotifyAdmin          JobType = "notifyAdmin"
	JobProcessAdminApproval JobType = "processAdminApproval"
	JobGenerateAdminReport  JobType = "generateAdminReport"
)

// queueJobs lists the job types each queue accepts.
var queueJobs = map[string][]JobType{
	QueueDeposits:     {JobProcessDeposit, JobApplyDepositBonus, JobUpdateDepositStatus},
	QueueWithdrawals:  {JobProcessWithdrawal, JobAdminApproval, JobPaymentProcessing, JobUpdateWithdrawalStatus, JobRefundWithdrawal},
	QueueRegistration: {JobApplyBonus, JobRecordReferral},
	QueuePayments:     {JobProcessDepositCallback, JobProcessWithdrawalCallback, JobCheckPaymentStatus, JobRetryPayment, JobProcessGatewayCallback},
	QueueAdmin:        {JobNotifyAdmin, JobProcessAdminApproval, JobGenerateAdminReport},
}

// Queues returns every queue name in a stable order.
func Queues() []string {
	return []string{QueueDeposits, QueueWithdrawals, QueueRegistration, QueuePayments, QueueAdmin}
}

// Accepts reports whether queue recognizes jobType.
func Accepts(queue string, jobType JobType) bool {
	for _, t := range queueJobs[queue] {
		if t == jobType {
			return true
		}
	}
	return false
}

// Payload is one variant of the job payload union. Every variant validates itself before
// it is enqueued and again after it is dequeued.
type Payload interface {
	Validate() error
}

var jobPayloads = map[JobType]func() Payload{
	JobProcessDeposit:            func() Payload { return &DepositJob{} },
	JobApplyDepositBonus:         func() Payload { return &DepositBonusJob{} },
	JobUpdateDepositStatus:       func() Payload { return &DepositStatusJob{} },
	JobProcessWithdrawal:         func() Payload { return &WithdrawalJob{} },
	JobAdminApproval:             func() Payload { return &ApprovalJob{} },
	JobProcessAdminApproval:      func() Payload { return &ApprovalJob{} },
	JobPaymentProcessing:         func() Payload { return &PaymentJob{} },
	JobCheckPaymentStatus:        func() Payload { return &PaymentJob{} },
	JobRetryPayment:              func() Payload { return &PaymentJob{} },
	JobUpdateWithdrawalStatus:    func() Payload { return &WithdrawalStatusJob{} },
	JobRefundWithdrawal:          func() Payload { return &RefundJob{} },
	JobApplyBonus:                func() Payload { return &RegistrationBonusJob{} },
	JobRecordReferral:            func() Payload { return &ReferralJob{} },
	JobProcessDepositCallback:    func() Payload { return &GatewayCallbackJob{} },
	JobProcessWithdrawalCallback: func() Payload { return &GatewayCallbackJob{} },
	JobProcessGatewayCallback:    func() Payload { return &GatewayCallbackJob{} },
	JobNotifyAdmin:               func() Payload { return &NotifyAdminJob{} },
	JobGenerateAdminReport:       func() Payload { return &AdminReportJob{} },
}

// DecodePayload parses raw into the variant registered for jobType. Unknown fields,
// unknown job types and validation failures all wrap ErrInvalidJob.
func DecodePayload(jobType JobType, raw []byte) (Payload, error) {
	factory, ok := jobPayloads[jobType]
	if !ok {
		return nil, invalidJob("unknown job type %q", jobType)
	}
	p := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, invalidJob("%s payload: %v", jobType, err)
	}
	if err := p.Validate(); err != nil {
		return nil, invalidJob("%s payload: %v", jobType, err)
	}
	return p, nil
}

var errAmountPrecision = errors.New("must have at most two decimal places")

// positiveAmount rejects zero, negative and sub-cent amounts.
func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("must be a decimal")
	}
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	if !amount.Round(2).Equal(amount) {
		return errAmountPrecision
	}
	return nil
}

func optionalAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if ok && amount.IsZero() {
		return nil
	}
	return positiveAmount(value)
}

type DepositJob struct {
	OrderID       string                 `json:"orderId"`
	AccountID     int64                  `json:"accountId"`
	Amount        decimal.Decimal        `json:"amount"`
	Gateway       string                 `json:"gateway,omitempty"`
	TransactionID string                 `json:"transactionId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (j *DepositJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.AccountID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.Amount, validation.By(positiveAmount)),
	)
}

// DepositBonusJob carries the qualifying first deposit.
type DepositBonusJob struct {
	AccountID int64           `json:"accountId"`
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
}

func (j *DepositBonusJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.AccountID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.Amount, validation.By(positiveAmount)),
	)
}

type DepositStatusJob struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (j *DepositStatusJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.Status, validation.Required, validation.In("completed", "failed")),
	)
}

type WithdrawalJob struct {
	OrderID      string                 `json:"orderId"`
	AccountID    int64                  `json:"accountId"`
	Amount       decimal.Decimal        `json:"amount"`
	PayoutMethod string                 `json:"payoutMethod,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (j *WithdrawalJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.AccountID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.Amount, validation.By(positiveAmount)),
	)
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// ApprovalJob is an admin's decision on a pending withdrawal.
type ApprovalJob struct {
	WithdrawalID    string `json:"withdrawalId"`
	AdminID         string `json:"adminId"`
	Action          string `json:"action"`
	Notes           string `json:"notes,omitempty"`
	SelectedGateway string `json:"selectedGateway,omitempty"`
}

func (j *ApprovalJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.WithdrawalID, validation.Required),
		validation.Field(&j.AdminID, validation.Required),
		validation.Field(&j.Action, validation.Required, validation.In(ActionApprove, ActionReject)),
	)
}

// PaymentJob drives an approved withdrawal through its payout gateway.
type PaymentJob struct {
	OrderID string `json:"orderId"`
}

func (j *PaymentJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
	)
}

type WithdrawalStatusJob struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (j *WithdrawalStatusJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.Status, validation.Required, validation.In("processing", "completed", "failed")),
	)
}

type RefundJob struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

func (j *RefundJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
	)
}

type RegistrationBonusJob struct {
	AccountID int64 `json:"accountId"`
}

func (j *RegistrationBonusJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.AccountID, validation.Required, validation.Min(int64(1))),
	)
}

type ReferralJob struct {
	AccountID    int64  `json:"accountId"`
	ReferralCode string `json:"referralCode"`
}

func (j *ReferralJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.AccountID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.ReferralCode, validation.Required, validation.Length(1, 64)),
	)
}

const (
	CallbackSuccess = "success"
	CallbackFailed  = "failed"
)

// GatewayCallbackJob is what a payment-gateway callback handler hands to the engine once
// it has authenticated the gateway's request.
type GatewayCallbackJob struct {
	OrderID       string          `json:"orderId"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Gateway       string          `json:"gateway"`
	Reason        string          `json:"reason,omitempty"`
}

func (j *GatewayCallbackJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.OrderID, validation.Required),
		validation.Field(&j.Status, validation.Required, validation.In(CallbackSuccess, CallbackFailed)),
		validation.Field(&j.TransactionID, validation.Required),
		validation.Field(&j.Amount, validation.By(positiveAmount)),
		validation.Field(&j.Gateway, validation.Required),
	)
}

// Admin notification events.
const (
	EventWithdrawalRequested = "withdrawal_requested"
	EventJobFailed           = "job_failed"
	EventQueueBacklog        = "queue_backlog"
	EventQueueFailureRate    = "queue_failure_rate"
)

type NotifyAdminJob struct {
	Event     string          `json:"event"`
	OrderID   string          `json:"orderId,omitempty"`
	AccountID int64           `json:"accountId,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (j *NotifyAdminJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.Event, validation.Required),
		validation.Field(&j.Amount, validation.By(optionalAmount)),
	)
}

// AdminReportJob summarizes one UTC day. An empty Date means yesterday.
type AdminReportJob struct {
	Date string `json:"date,omitempty"`
}

func (j *AdminReportJob) Validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.Date, validation.Date("2006-01-02")),
	)
}
