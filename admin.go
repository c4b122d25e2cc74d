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
	"fmt"
	"time"

	"github.com/blnkfinance/payflow/internal/dedup"
	"github.com/blnkfinance/payflow/internal/notification"
	"github.com/sirupsen/logrus"
)

const reportDateLayout = "2006-01-02"

var eventTitles = map[string]string{
	EventWithdrawalRequested: "Withdrawal awaiting review",
	EventJobFailed:           "Job failed permanently",
	EventQueueBacklog:        "Queue backlog",
	EventQueueFailureRate:    "Queue failure rate",
}

// NotifyAdmin delivers an admin alert once per event subject.
func (e *Engine) NotifyAdmin(ctx context.Context, j *NotifyAdminJob) error {
	ctx, span := tracer.Start(ctx, "NotifyAdmin")
	defer span.End()

	subject := j.OrderID
	if subject == "" {
		subject = fmt.Sprint(j.AccountID)
	}
	key := dedup.Key("notify_admin", j.Event, subject)
	ttl := hours(e.cfg.Dedup.NotificationTTLHours)

	claimed, err := e.dedup.Claim(ctx, key, ttl)
	if err != nil {
		logrus.WithField("event", j.Event).Warnf("dedup claim failed: %v", err)
	} else if !claimed {
		return ErrAlreadyProcessed
	}

	title, ok := eventTitles[j.Event]
	if !ok {
		title = j.Event
	}
	fields := map[string]string{"event": j.Event}
	if j.OrderID != "" {
		fields["order_id"] = j.OrderID
	}
	if j.AccountID != 0 {
		fields["account_id"] = fmt.Sprint(j.AccountID)
	}
	if !j.Amount.IsZero() {
		fields["amount"] = j.Amount.StringFixed(2)
	}

	if err := e.notifier.Notify(ctx, notification.Alert{
		Title:    title,
		Message:  j.Message,
		Severity: notification.SeverityInfo,
		Fields:   fields,
	}); err != nil {
		if claimed {
			_ = e.dedup.Release(ctx, key)
		}
		return err
	}
	if claimed {
		if err := e.dedup.Set(ctx, key, ttl); err != nil {
			logrus.WithField("event", j.Event).Warnf("failed to mark notification: %v", err)
		}
	}
	return nil
}

// GenerateAdminReport aggregates one UTC day of ledger activity, yesterday by default,
// and stores it. Regenerating a day overwrites the stored report.
func (e *Engine) GenerateAdminReport(ctx context.Context, j *AdminReportJob) error {
	ctx, span := tracer.Start(ctx, "GenerateAdminReport")
	defer span.End()

	day := e.now().UTC().AddDate(0, 0, -1)
	if j.Date != "" {
		parsed, err := time.Parse(reportDateLayout, j.Date)
		if err != nil {
			return invalidJob("report date %q: %v", j.Date, err)
		}
		day = parsed
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	report, err := e.ds.GetDailySummary(ctx, day)
	if err != nil {
		return err
	}
	report.GeneratedAt = e.now().UTC()
	if err := e.ds.SaveAdminReport(ctx, report); err != nil {
		return err
	}

	logrus.WithField("report_date", day.Format(reportDateLayout)).Info("admin report generated")
	e.alert(ctx, notification.Alert{
		Title:    "Daily report " + day.Format(reportDateLayout),
		Message:  fmt.Sprintf("%d deposits, %d withdrawals, %d pending review", report.DepositCount, report.WithdrawalCount, report.PendingWithdrawals),
		Severity: notification.SeverityInfo,
		Fields: map[string]string{
			"deposits":    report.TotalDeposits.StringFixed(2),
			"withdrawals": report.TotalWithdrawals.StringFixed(2),
			"bonuses":     report.TotalBonuses.StringFixed(2),
			"refunds":     report.TotalRefunds.StringFixed(2),
		},
	})
	return nil
}
