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
	"sync"
	"testing"

	"github.com/blnkfinance/payflow/database"
	"github.com/blnkfinance/payflow/internal/dedup"
	"github.com/blnkfinance/payflow/internal/retry"
	"github.com/blnkfinance/payflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRegistrationBonus_Once(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "0.00")
	ctx := context.Background()

	require.NoError(t, env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 1}))
	err := env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 1})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	assertBalance(t, env, 1, "25.00")
	a, _ := env.ds.GetAccount(ctx, 1)
	assert.True(t, a.RegistrationBonusReceived)
	_, err = env.ds.GetRebateAccount(ctx, 1)
	assert.NoError(t, err)

	state, err := env.engine.dedup.Get(ctx, registrationBonusKey(1))
	require.NoError(t, err)
	assert.Equal(t, dedup.Done, state)
}

func TestApplyRegistrationBonus_DedupLostStillOnce(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "0.00")
	ctx := context.Background()

	require.NoError(t, env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 1}))
	env.redis.FlushAll()
	assert.ErrorIs(t, env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 1}), ErrAlreadyProcessed)
	assertBalance(t, env, 1, "25.00")
	assert.Len(t, env.ds.Entries(), 1)
}

func TestApplyRegistrationBonus_InFlight(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "0.00")
	ctx := context.Background()

	claimed, err := env.engine.dedup.Claim(ctx, registrationBonusKey(1), 0)
	require.NoError(t, err)
	require.True(t, claimed)

	err = env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 1})
	assert.ErrorIs(t, err, ErrJobInFlight)
	assert.True(t, isContention(err))
	assertBalance(t, env, 1, "0.00")
}

func TestApplyRegistrationBonus_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, 1, "0.00")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.engine.ApplyRegistrationBonus(context.Background(), &RegistrationBonusJob{AccountID: 1})
		}()
	}
	wg.Wait()
	assertBalance(t, env, 1, "25.00")
}

func TestApplyRegistrationBonus_FailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.ApplyRegistrationBonus(ctx, &RegistrationBonusJob{AccountID: 404})
	assert.Equal(t, OutcomePermanent, Classify(err))
	state, err := env.engine.dedup.Get(ctx, registrationBonusKey(404))
	require.NoError(t, err)
	assert.Equal(t, dedup.Absent, state)
}

func referralAccount(t *testing.T, env *testEnv, id int64, code string) {
	t.Helper()
	require.NoError(t, env.ds.CreateAccount(context.Background(), &model.Account{AccountID: id, ReferralCode: code}))
}

func TestRecordReferral(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mid := int64(2)
	referralAccount(t, env, 1, "ROOT")
	referralAccount(t, env, 2, "MID")
	referralAccount(t, env, 3, "NEW")
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 2, ReferralCode: "ROOT"}))

	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 3, ReferralCode: "MID"}))

	a, _ := env.ds.GetAccount(ctx, 3)
	require.NotNil(t, a.ReferredBy)
	assert.Equal(t, mid, *a.ReferredBy)

	ref, err := env.ds.GetReferral(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, mid, ref.ReferrerID)
	assert.Equal(t, "MID", ref.ReferralCode)

	midStats, _ := env.ds.GetRebateAccount(ctx, 2)
	assert.Equal(t, 1, midStats.DirectReferrals)
	assert.Equal(t, 1, midStats.TeamSize)
	rootStats, _ := env.ds.GetRebateAccount(ctx, 1)
	assert.Equal(t, 1, rootStats.DirectReferrals)
	assert.Equal(t, 2, rootStats.TeamSize)

	assert.ErrorIs(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 3, ReferralCode: "MID"}), ErrAlreadyProcessed)
	midStats, _ = env.ds.GetRebateAccount(ctx, 2)
	assert.Equal(t, 1, midStats.DirectReferrals)
}

func TestRecordReferral_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referralAccount(t, env, 1, "ONE")
	referralAccount(t, env, 2, "TWO")
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 2, ReferralCode: "ONE"}))

	err := env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 1, ReferralCode: "ONE"})
	assert.ErrorIs(t, err, ErrSelfReferral)

	// 1 -> 2 would close a cycle.
	err = env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 1, ReferralCode: "TWO"})
	assert.ErrorIs(t, err, ErrSelfReferral)
	assert.Equal(t, OutcomePermanent, Classify(err))

	err = env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 1, ReferralCode: "MISSING"})
	assert.Equal(t, OutcomePermanent, Classify(err))
}

func TestRecordReferral_LocksWholeChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referralAccount(t, env, 1, "ROOT")
	referralAccount(t, env, 2, "MID")
	referralAccount(t, env, 3, "NEW")
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 2, ReferralCode: "ROOT"}))

	// The upline's row is held elsewhere, so nothing in the chain may change.
	env.ds.LockRow(1)
	err := env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 3, ReferralCode: "MID"})
	assert.ErrorIs(t, err, database.ErrRowLocked)
	assert.True(t, isContention(err))
	_, err = env.ds.GetReferral(ctx, 3)
	assert.True(t, database.IsNotFound(err))
	rootStats, _ := env.ds.GetRebateAccount(ctx, 1)
	assert.Equal(t, 1, rootStats.TeamSize)

	env.ds.UnlockRow(1)
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 3, ReferralCode: "MID"}))
	rootStats, _ = env.ds.GetRebateAccount(ctx, 1)
	assert.Equal(t, 2, rootStats.TeamSize)
}

func TestRecordReferral_DeadlockRetriesTerminate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referralAccount(t, env, 1, "ROOT")
	referralAccount(t, env, 2, "MID")
	referralAccount(t, env, 3, "NEW")
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 2, ReferralCode: "ROOT"}))
	_, rollbacksBefore := env.ds.Stats()

	env.ds.FailNextTx(100, database.ErrDeadlock)
	err := env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 3, ReferralCode: "MID"})
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, database.ErrDeadlock)
	assert.Equal(t, OutcomeRetry, Classify(err))

	_, rollbacks := env.ds.Stats()
	assert.Equal(t, env.cfg.Ledger.MaxDeadlockRetries, rollbacks-rollbacksBefore)

	_, err = env.ds.GetReferral(ctx, 3)
	assert.True(t, database.IsNotFound(err))
	a, _ := env.ds.GetAccount(ctx, 3)
	assert.Nil(t, a.ReferredBy)
	midStats, _ := env.ds.GetRebateAccount(ctx, 2)
	assert.Zero(t, midStats.DirectReferrals)
	rootStats, _ := env.ds.GetRebateAccount(ctx, 1)
	assert.Equal(t, 1, rootStats.DirectReferrals)
	assert.Equal(t, 1, rootStats.TeamSize)
}

func TestRecordReferral_DeadlockRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	referralAccount(t, env, 1, "ROOT")
	referralAccount(t, env, 2, "NEW")

	env.ds.FailNextTx(2, database.ErrDeadlock)
	require.NoError(t, env.engine.RecordReferral(ctx, &ReferralJob{AccountID: 2, ReferralCode: "ROOT"}))

	commits, rollbacks := env.ds.Stats()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 2, rollbacks)
	rootStats, _ := env.ds.GetRebateAccount(ctx, 1)
	assert.Equal(t, 1, rootStats.DirectReferrals)
	assert.Equal(t, 1, rootStats.TeamSize)
}
