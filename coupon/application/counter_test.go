package application

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"coupon-gateway/coupon/domain"
	"coupon-gateway/coupon/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedCounter_StopsAtLimit(t *testing.T) {
	ctx := context.Background()
	c := LimitedCounter{Store: infra.NewMemoryCounterStore()}

	for want := int64(1); want <= 3; want++ {
		got, ok, err := c.TryIncrement(ctx, "k", 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	got, ok, err := c.TryIncrement(ctx, "k", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), got, "rejection reports the current value")
}

func TestLimitedCounter_ConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	const (
		limit   = 50
		callers = 200
	)
	store := infra.NewMemoryCounterStore()
	c := LimitedCounter{Store: store, MaxRetries: 1000, InitialBackoff: 50 * time.Microsecond, MaxBackoff: time.Millisecond}

	var (
		mu       sync.Mutex
		admitted []int64
		wg       sync.WaitGroup
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.TryIncrement(context.Background(), "k", limit)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted = append(admitted, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, admitted, limit)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i] < admitted[j] })
	for i, v := range admitted {
		assert.Equal(t, int64(i+1), v)
	}

	final, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), final)
}

func TestLimitedCounter_RetriesAfterConflict(t *testing.T) {
	store := &flakyStore{CounterStore: infra.NewMemoryCounterStore(), conflicts: 3}
	c := LimitedCounter{Store: store, InitialBackoff: time.Microsecond, MaxBackoff: time.Microsecond}

	got, ok, err := c.TryIncrement(context.Background(), "k", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), got)
}

func TestLimitedCounter_ExhaustedBudgetIsContention(t *testing.T) {
	store := &conflictStore{CounterStore: infra.NewMemoryCounterStore()}
	c := LimitedCounter{Store: store, MaxRetries: 4, InitialBackoff: time.Microsecond, MaxBackoff: time.Microsecond}

	_, ok, err := c.TryIncrement(context.Background(), "k", 5)
	require.ErrorIs(t, err, domain.ErrContention)
	assert.False(t, ok)
	assert.Equal(t, 5, store.attempts, "first attempt plus MaxRetries")
}

func TestLimitedCounter_StoreErrorIsNotQuota(t *testing.T) {
	c := LimitedCounter{Store: &downStore{CounterStore: infra.NewMemoryCounterStore()}}

	_, ok, err := c.TryIncrement(context.Background(), "k", 5)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, ok)
}

func TestLimitedCounter_CancelledWhileBackingOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &conflictStore{CounterStore: infra.NewMemoryCounterStore()}
	c := LimitedCounter{Store: store, InitialBackoff: time.Second, MaxBackoff: time.Second}

	_, _, err := c.TryIncrement(ctx, "k", 5)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.attempts)
}

// overshootStore simula um commit que passou do limite (ex: incremento feito
// por outro cliente sem checagem). A leitura mente "0"; o incremento é real.
type overshootStore struct {
	*infra.MemoryCounterStore
}

func (s overshootStore) Get(context.Context, string) (int64, error) { return 0, nil }

func (s overshootStore) IncrIfUnchanged(ctx context.Context, key string, _ int64) (int64, error) {
	return s.MemoryCounterStore.Incr(ctx, key)
}

func TestLimitedCounter_CompensatesOvershoot(t *testing.T) {
	ctx := context.Background()
	mem := infra.NewMemoryCounterStore()
	_, err := mem.Incr(ctx, "k")
	require.NoError(t, err)

	c := LimitedCounter{Store: overshootStore{mem}}
	got, ok, err := c.TryIncrement(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), got)

	final, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), final, "overshoot must be rolled back")
}
