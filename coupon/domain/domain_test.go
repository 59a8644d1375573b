package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeySpace_DefaultLayout(t *testing.T) {
	k := DefaultKeySpace()

	assert.Equal(t, "global_counter", k.Global())
	assert.Equal(t, "owner_counter:alice", k.Owner("alice"))
	assert.Equal(t, "used:42", k.Used(42))
	assert.Equal(t, "owner_counter:*", k.OwnerPattern())
	assert.Equal(t, "used:*", k.UsedPattern())
	assert.Equal(t, "owner_issued:*", k.IssuedPattern())
	assert.Equal(t, OwnerSlots{Reserved: "owner_counter:bob", Consumed: "owner_issued:bob"}, k.Slots("bob"))
}

func TestKeySpace_Namespace(t *testing.T) {
	k := DefaultKeySpace()
	k.Namespace = "{coupon}:"

	assert.Equal(t, "{coupon}:global_counter", k.Global())
	assert.Equal(t, "{coupon}:owner_counter:alice", k.Owner("alice"))
	assert.Equal(t, "{coupon}:used:*", k.UsedPattern())

	owner, ok := k.OwnerFromKey("{coupon}:owner_counter:a:b")
	assert.True(t, ok)
	assert.Equal(t, "a:b", owner)

	_, ok = k.OwnerFromKey("owner_counter:a")
	assert.False(t, ok)

	owner, ok = k.OwnerFromIssuedKey(k.Issued("carol"))
	assert.True(t, ok)
	assert.Equal(t, "carol", owner)
}

func TestErrSlotReclaimedIsContention(t *testing.T) {
	assert.ErrorIs(t, ErrSlotReclaimed, ErrContention)
}

func TestQuotaExceededError(t *testing.T) {
	var err error = &QuotaExceededError{Scope: ScopeGlobal, Current: 77, Limit: 77}
	wrapped := fmt.Errorf("issue: %w", err)

	var qe *QuotaExceededError
	assert.True(t, errors.As(wrapped, &qe))
	assert.Equal(t, "global quota exceeded: 77 of 77 issued", qe.Error())
	assert.Equal(t, "none", ScopeNone.String())
}

func TestTokenRecord_ExpiredAtBoundary(t *testing.T) {
	exp := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	rec := TokenRecord{ExpiresAt: exp}

	assert.False(t, rec.Expired(exp.Add(-time.Nanosecond)))
	assert.True(t, rec.Expired(exp))
	assert.True(t, rec.Expired(exp.Add(time.Second)))
}
