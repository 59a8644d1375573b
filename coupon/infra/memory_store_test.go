package infra

import (
	"context"
	"sort"
	"testing"
	"time"

	"coupon-gateway/coupon/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterStore_IncrIfUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()

	v, err := s.IncrIfUnchanged(ctx, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.IncrIfUnchanged(ctx, "k", 0)
	require.ErrorIs(t, err, domain.ErrConflict)

	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryCounterStore_SetNXExpiresWithClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryCounterStore(WithClock(func() time.Time { return now }))

	ok, err := s.SetNX(ctx, "used:1", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "used:1", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	exists, err := s.Exists(ctx, "used:1")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = s.SetNX(ctx, "used:1", "bob", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired marker can be claimed again")
}

func TestMemoryCounterStore_GetNonIntegerFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()
	_, err := s.SetNX(ctx, "used:1", "alice", 0)
	require.NoError(t, err)

	_, err = s.Get(ctx, "used:1")
	require.Error(t, err)
}

func TestMemoryCounterStore_ScanMatchesPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()
	for _, k := range []string{"ns:owner_counter:a", "ns:owner_counter:b/c", "ns:used:1", "ns:global_counter"} {
		_, err := s.Incr(ctx, k)
		require.NoError(t, err)
	}

	keys, err := s.Scan(ctx, "ns:owner_counter:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"ns:owner_counter:a", "ns:owner_counter:b/c"}, keys)

	keys, err = s.Scan(ctx, "ns:used:?")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:used:1"}, keys)

	n, err := s.Delete(ctx, "ns:used:1", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounterStore_AdmitAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()

	slots := func(owner string) domain.OwnerSlots {
		return domain.OwnerSlots{Reserved: "o:" + owner, Consumed: "i:" + owner}
	}

	res, err := s.AdmitAtomically(ctx, slots("a"), "g", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.AtomicAdmission{Admitted: true, Sequence: 1}, res)

	res, err = s.AdmitAtomically(ctx, slots("a"), "g", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.AtomicAdmission{Rejected: domain.ScopeOwner, Current: 1}, res)

	_, err = s.AdmitAtomically(ctx, slots("b"), "g", 1, 2)
	require.NoError(t, err)

	res, err = s.AdmitAtomically(ctx, slots("c"), "g", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.AtomicAdmission{Rejected: domain.ScopeGlobal, Current: 2}, res)

	issued, err := s.Get(ctx, "i:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), issued)
}

func TestMemoryCounterStore_OwnerSlots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()
	slots := domain.OwnerSlots{Reserved: "owner_counter:a", Consumed: "owner_issued:a"}

	_, err := s.ConsumeIfUnchanged(ctx, "g", 0, slots)
	require.ErrorIs(t, err, domain.ErrSlotReclaimed, "nothing reserved yet")

	for range 3 {
		_, err := s.Incr(ctx, slots.Reserved)
		require.NoError(t, err)
	}
	seq, err := s.ConsumeIfUnchanged(ctx, "g", 0, slots)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	_, err = s.ConsumeIfUnchanged(ctx, "g", 0, slots)
	require.ErrorIs(t, err, domain.ErrConflict)

	released, err := s.ReleaseSlot(ctx, slots)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = s.ReclaimSlots(ctx, slots, 3)
	require.ErrorIs(t, err, domain.ErrConflict, "reserved moved from 3 to 2")
	n, err := s.ReclaimSlots(ctx, slots, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	released, err = s.ReleaseSlot(ctx, slots)
	require.NoError(t, err)
	assert.False(t, released, "the consumed slot is never released")

	reserved, err := s.Get(ctx, slots.Reserved)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reserved)
}
