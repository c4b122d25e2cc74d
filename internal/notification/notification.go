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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/blnkfinance/payflow/internal/request"
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing message: admin actions, failed jobs, queue health.
type Alert struct {
	Title    string
	Message  string
	Severity Severity
	Fields   map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// SlackNotifier posts alerts to an incoming webhook. With no webhook configured alerts are
// only logged.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewSlackNotifier(webhookURL string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client, now: time.Now}
}

func (s *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	logrus.WithFields(logrus.Fields{
		"title":    alert.Title,
		"severity": alert.Severity,
	}).Info(alert.Message)

	if s.webhookURL == "" {
		return nil
	}
	if err := request.PostJSON(ctx, s.client, s.webhookURL, s.payload(alert)); err != nil {
		return fmt.Errorf("slack notification %q: %w", alert.Title, err)
	}
	return nil
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func (s *SlackNotifier) payload(alert Alert) slackMessage {
	header := alert.Title
	if alert.Severity != "" {
		header = fmt.Sprintf("[%s] %s", alert.Severity, alert.Title)
	}

	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Message:*\n%s", alert.Message)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", s.now().Format(time.RFC822))},
	}
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, alert.Fields[k])})
	}

	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header, Emoji: true}},
		{Type: "section", Fields: fields},
	}}
}

// NotifyError logs err and reports it through n without blocking the caller.
func NotifyError(n Notifier, systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		if n == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := n.Notify(ctx, Alert{
			Title:    "Error From Payflow",
			Message:  systemError.Error(),
			Severity: SeverityCritical,
		})
		if err != nil {
			logrus.Errorf("failed to send error notification: %v", err)
		}
	}(systemError)
}
