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

package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "payflow:dedup:"

	inFlightValue = "processing"
	doneValue     = "done"

	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
)

// State is what the store knows about an operation key.
type State int

const (
	Absent State = iota
	InFlight
	Done
)

func (s State) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	default:
		return "absent"
	}
}

// Store tracks idempotency keys. A present key means the operation must not be repeated;
// an absent key only means it is safe to attempt, the ledger still decides.
type Store struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

func NewStore(client redis.UniversalClient, opTimeout time.Duration) *Store {
	return &Store{client: client, opTimeout: opTimeout}
}

// Key builds a namespaced key such as payflow:dedup:registration_bonus:42.
func Key(operation string, subject ...string) string {
	return keyPrefix + operation + ":" + strings.Join(subject, ":")
}

func (s *Store) Get(ctx context.Context, key string) (State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Absent, nil
	}
	if err != nil {
		return Absent, err
	}
	if val == inFlightValue {
		return InFlight, nil
	}
	return Done, nil
}

// Set marks the operation as performed for ttl, overwriting any in-flight claim.
func (s *Store) Set(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, key, doneValue, ttl).Err()
}

// Claim marks the operation in flight if nobody has claimed or completed it.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.SetNX(ctx, key, inFlightValue, ttl).Result()
}

// Release drops an in-flight claim so the operation can be attempted again. A done marker
// is left in place.
func (s *Store) Release(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Eval(ctx, releaseScript, []string{key}, inFlightValue).Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
