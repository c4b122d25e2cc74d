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

package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "payflow:lock:"

	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var (
	// ErrLockBusy is returned when another owner currently holds the key.
	ErrLockBusy = errors.New("lock is already held")
	// ErrNotOwner is returned when a release or extension is attempted with a stale token.
	ErrNotOwner = errors.New("lock expired or is held by another owner")
)

type Locker struct {
	client    redis.UniversalClient
	key       string
	value     string // owner token, only the holder can unlock or renew the lock
	opTimeout time.Duration
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

func (l *Locker) Key() string {
	return l.key
}

// Token returns the owner token proving this locker holds the key.
func (l *Locker) Token() string {
	return l.value
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	success, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("%w: key %s", ErrLockBusy, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("%w: key %s", ErrNotOwner, l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("%w: key %s", ErrNotOwner, l.key)
	}
	return nil
}

// WaitLock polls Lock with a short random pause until waitTimeout elapses.
func (l *Locker) WaitLock(ctx context.Context, ttl, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Lock(ctx, ttl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Intn(100)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: key %s not acquired within the wait timeout", ErrLockBusy, l.key)
}

func (l *Locker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opTimeout)
}

// Manager hands out namespaced lockers over a shared client. Locks are advisory; the ledger
// uniqueness checks remain the correctness backstop when a TTL lapses mid-operation.
type Manager struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

func NewManager(client redis.UniversalClient, opTimeout time.Duration) *Manager {
	return &Manager{client: client, opTimeout: opTimeout}
}

func (m *Manager) locker(key, token string) *Locker {
	l := NewLocker(m.client, keyPrefix+key, token)
	l.opTimeout = m.opTimeout
	return l
}

// Acquire takes the lock for key with a fresh owner token, or returns ErrLockBusy.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Locker, error) {
	l := m.locker(key, uuid.NewString())
	if err := l.Lock(ctx, ttl); err != nil {
		return nil, err
	}
	return l, nil
}

// WaitAcquire is Acquire, polling for up to wait while another owner holds key.
func (m *Manager) WaitAcquire(ctx context.Context, key string, ttl, wait time.Duration) (*Locker, error) {
	l := m.locker(key, uuid.NewString())
	if err := l.WaitLock(ctx, ttl, wait); err != nil {
		return nil, err
	}
	return l, nil
}

// Release deletes key only while token still owns it.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	return m.locker(key, token).Unlock(ctx)
}

// WithLock runs fn while holding key. The lease is renewed every ttl/3 until fn returns;
// if ownership is lost, fn's context is cancelled with ErrNotOwner as the cause. A release
// failure after fn succeeded is returned only when fn itself did not fail.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	return hold(ctx, l, ttl, fn)
}

// WithWaitLock is WithLock, waiting up to wait for a busy key.
func (m *Manager) WithWaitLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.WaitAcquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	return hold(ctx, l, ttl, fn)
}

func hold(ctx context.Context, l *Locker, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(ctx, ttl, done, cancel)
	}()

	defer func() {
		close(done)
		wg.Wait()
		lost := context.Cause(ctx)
		cancel(nil)

		if err != nil && errors.Is(lost, ErrNotOwner) {
			err = errors.Join(err, lost)
			return
		}
		unlockErr := l.Unlock(context.WithoutCancel(ctx))
		if err == nil && unlockErr != nil && !errors.Is(unlockErr, ErrNotOwner) {
			err = unlockErr
		}
	}()
	return fn(ctx)
}

// keepAlive extends the lease until done is closed. Transient store errors are retried on
// the next tick; a lost lease cancels the holder.
func (l *Locker) keepAlive(ctx context.Context, ttl time.Duration, done <-chan struct{}, lost context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.ExtendLock(ctx, ttl); errors.Is(err, ErrNotOwner) {
				lost(err)
				return
			}
		}
	}
}
