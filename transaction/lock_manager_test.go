package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcore/common"
)

func row(n int32) common.RowID {
	return common.RowID{PageID: common.PageID(n), Slot: 0}
}

func TestLockManager_SharedLocksAreCompatible(t *testing.T) {
	lm := NewLockManager()
	t1 := New(1, common.ReadCommitted)
	t2 := New(2, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockShared(t1, r))
	require.NoError(t, lm.LockShared(t2, r))
	assert.True(t, t1.holdsShared(r))
	assert.True(t, t2.holdsShared(r))
}

func TestLockManager_ExclusiveExcludesEveryone(t *testing.T) {
	lm := NewLockManager()
	t1 := New(1, common.ReadCommitted)
	t2 := New(10, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockExclusive(t1, r))

	done := make(chan error, 1)
	go func() { done <- lm.LockShared(t2, r) }()

	select {
	case <-done:
		t.Fatal("younger transaction should have blocked on held exclusive lock, not been wounded or granted")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Unlock(t1, r)
	require.NoError(t, <-done)
}

// TestLockManager_WoundWaitAbortsYoungerHolder exercises the defining
// wound-wait scenario: an older transaction requesting a lock a younger
// transaction already holds aborts the younger one instead of waiting.
func TestLockManager_WoundWaitAbortsYoungerHolder(t *testing.T) {
	lm := NewLockManager()
	younger := New(5, common.ReadCommitted)
	older := New(1, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockExclusive(younger, r))

	err := lm.LockExclusive(older, r)
	require.NoError(t, err)

	assert.Equal(t, Aborted, younger.State())
	assert.True(t, older.holdsExclusive(r))
}

// TestLockManager_YoungerRequesterWaitsForOlderHolder is the mirror case: a
// younger transaction requesting a lock an older transaction holds must
// wait rather than wounding the older holder.
func TestLockManager_YoungerRequesterWaitsForOlderHolder(t *testing.T) {
	lm := NewLockManager()
	older := New(1, common.ReadCommitted)
	younger := New(5, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockExclusive(older, r))

	done := make(chan error, 1)
	go func() { done <- lm.LockExclusive(younger, r) }()

	select {
	case <-done:
		t.Fatal("younger transaction should have waited, not been granted immediately")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, Growing, older.State())

	lm.Unlock(older, r)
	require.NoError(t, <-done)
	assert.True(t, younger.holdsExclusive(r))
}

func TestLockManager_UpgradeSharedToExclusive(t *testing.T) {
	lm := NewLockManager()
	txn := New(1, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockShared(txn, r))
	require.NoError(t, lm.LockUpgrade(txn, r))
	assert.True(t, txn.holdsExclusive(r))
	assert.False(t, txn.holdsShared(r))
}

// TestLockManager_ExclusiveRequiresExplicitUpgrade checks that LockExclusive
// no longer silently promotes a held shared lock; callers must call
// LockUpgrade instead.
func TestLockManager_ExclusiveRequiresExplicitUpgrade(t *testing.T) {
	lm := NewLockManager()
	txn := New(1, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockShared(txn, r))
	err := lm.LockExclusive(txn, r)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrIllegalState))
	assert.True(t, txn.holdsShared(r))
	assert.False(t, txn.holdsExclusive(r))
}

// TestLockManager_UpgradeWoundedConcurrently exercises an upgrader that is
// wounded by an older exclusive request before its upgrade runs: LockUpgrade
// must return ErrDeadlock, never panic.
func TestLockManager_UpgradeWoundedConcurrently(t *testing.T) {
	lm := NewLockManager()
	younger := New(5, common.ReadCommitted)
	older := New(1, common.ReadCommitted)
	r := row(1)

	require.NoError(t, lm.LockShared(younger, r))

	err := lm.LockExclusive(older, r)
	require.NoError(t, err)
	assert.Equal(t, Aborted, younger.State())

	err = lm.LockUpgrade(younger, r)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrDeadlock))
}

func TestLockManager_ReadUncommittedForbidsSharedLocks(t *testing.T) {
	lm := NewLockManager()
	txn := New(1, common.ReadUncommitted)
	err := lm.LockShared(txn, row(1))
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrIllegalState))
}

// TestLockManager_RepeatableReadShrinkingForbidsNewLocks checks that once a
// RepeatableRead transaction releases any lock and enters Shrinking, it may
// not acquire any further lock.
func TestLockManager_RepeatableReadShrinkingForbidsNewLocks(t *testing.T) {
	lm := NewLockManager()
	txn := New(1, common.RepeatableRead)
	r1, r2 := row(1), row(2)

	require.NoError(t, lm.LockShared(txn, r1))
	lm.Unlock(txn, r1)
	assert.Equal(t, Shrinking, txn.State())

	err := lm.LockShared(txn, r2)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrIllegalState))
	assert.Equal(t, Aborted, txn.State())
}

// TestLockManager_ReadCommittedSharedReleaseStaysGrowing checks the
// isolation-level-sensitive half of the 2PL transition: ReadCommitted's
// short shared locks don't end the growing phase the way RepeatableRead's do.
func TestLockManager_ReadCommittedSharedReleaseStaysGrowing(t *testing.T) {
	lm := NewLockManager()
	txn := New(1, common.ReadCommitted)
	r1, r2 := row(1), row(2)

	require.NoError(t, lm.LockShared(txn, r1))
	lm.Unlock(txn, r1)
	assert.Equal(t, Growing, txn.State())

	require.NoError(t, lm.LockShared(txn, r2))
}

func TestLockManager_ConcurrentDisjointRowsNeverBlock(t *testing.T) {
	lm := NewLockManager()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := New(common.TxnID(i+1), common.ReadCommitted)
			r := row(int32(i))
			require.NoError(t, lm.LockExclusive(txn, r))
			lm.Unlock(txn, r)
		}(i)
	}
	wg.Wait()
}
