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
	"fmt"
	"sync"

	"github.com/blnkfinance/payflow/config"
	"github.com/blnkfinance/payflow/model"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// ErrPayoutRejected is returned by a gateway that refuses a payout outright. The
// withdrawal fails and is refunded.
var ErrPayoutRejected = errors.New("payout rejected by gateway")

type PayoutResult struct {
	TransactionID string
	Status        PayoutStatus
	Reason        string
}

// PayoutGateway moves money out. Submit must be idempotent per order id: submitting the
// same withdrawal twice returns the original result.
type PayoutGateway interface {
	Name() string
	Submit(ctx context.Context, w model.WithdrawalRequest) (PayoutResult, error)
	Status(ctx context.Context, w model.WithdrawalRequest) (PayoutResult, error)
}

// ManualGateway queues payouts for an operator. Completion arrives later through a
// gateway callback job.
type ManualGateway struct {
	name string

	mu        sync.Mutex
	submitted map[string]string
}

func NewManualGateway(name string) *ManualGateway {
	return &ManualGateway{name: name, submitted: map[string]string{}}
}

func (m *ManualGateway) Name() string {
	return m.name
}

func (m *ManualGateway) Submit(_ context.Context, w model.WithdrawalRequest) (PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.submitted[w.OrderID]
	if !ok {
		id = model.GenerateUUIDWithSuffix(m.name)
		m.submitted[w.OrderID] = id
	}
	return PayoutResult{TransactionID: id, Status: PayoutPending}, nil
}

func (m *ManualGateway) Status(_ context.Context, w model.WithdrawalRequest) (PayoutResult, error) {
	return PayoutResult{TransactionID: w.GatewayTransactionID, Status: PayoutPending}, nil
}

// GatewayRegistry resolves payout gateways by name. Only active gateways accept payouts.
type GatewayRegistry struct {
	mu          sync.RWMutex
	gateways    map[string]PayoutGateway
	active      map[string]bool
	defaultName string
}

func NewGatewayRegistry(defaultName string) *GatewayRegistry {
	return &GatewayRegistry{
		gateways:    map[string]PayoutGateway{},
		active:      map[string]bool{},
		defaultName: defaultName,
	}
}

// NewGatewayRegistryFromConfig registers a manual gateway for every configured name.
func NewGatewayRegistryFromConfig(cfg config.PayoutConfig) *GatewayRegistry {
	r := NewGatewayRegistry(cfg.DefaultGateway)
	for _, g := range cfg.Gateways {
		r.Register(NewManualGateway(g.Name), g.Active)
	}
	return r
}

func (r *GatewayRegistry) Register(g PayoutGateway, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
	r.active[g.Name()] = active
}

func (r *GatewayRegistry) SetActive(name string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[name]; ok {
		r.active[name] = active
	}
}

// Active returns the named gateway, or the default when name is empty. It fails with
// ErrNoActiveGateway when that gateway is unknown or disabled.
func (r *GatewayRegistry) Active(name string) (PayoutGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	g, ok := r.gateways[name]
	if !ok || !r.active[name] {
		return nil, fmt.Errorf("%w: %q", ErrNoActiveGateway, name)
	}
	return g, nil
}

// Get returns a registered gateway whether or not it is active. In-flight payouts are
// still tracked on a gateway that has since been disabled.
func (r *GatewayRegistry) Get(name string) (PayoutGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrBusinessRule, name)
	}
	return g, nil
}
