package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coupon-gateway/coupon/domain"
	"coupon-gateway/coupon/infra"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCodec(t *testing.T) domain.CredentialCodec {
	t.Helper()
	codec, err := infra.NewJWTCodec(testSecret, "coupond-test")
	require.NoError(t, err)
	return codec
}

// newTestService usa orçamento de retentativa alto e backoff curto: sob
// contenção de centenas de goroutines o teste mede as cotas, não o orçamento.
func newTestService(t *testing.T, store domain.CounterStore, opts Options) *Service {
	t.Helper()
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1000
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 100 * time.Microsecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Millisecond
	}
	svc, err := NewService(store, newCodec(t), opts)
	require.NoError(t, err)
	return svc
}

// newRedisStore sobe um miniredis por teste. Pool folgado: os testes de
// concorrência disparam centenas de WATCH ao mesmo tempo.
func newRedisStore(t *testing.T) *infra.RedisCounterStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		PoolSize:    64,
		PoolTimeout: 30 * time.Second,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return infra.NewRedisCounterStore(rdb)
}

// storeUnderTest é um store compartilhado que também faz admissão atômica.
type storeUnderTest interface {
	domain.CounterStore
	domain.AtomicAdmitter
}

var backends = []struct {
	name string
	open func(t *testing.T) storeUnderTest
}{
	{"memory", func(*testing.T) storeUnderTest { return infra.NewMemoryCounterStore() }},
	{"redis", func(t *testing.T) storeUnderTest { return newRedisStore(t) }},
}

// cancelOnGetStore cancela o ctx da requisição quando key é lida, simulando o
// cliente que desconecta entre as duas fases.
type cancelOnGetStore struct {
	domain.CounterStore
	key    string
	cancel context.CancelFunc
}

func (s cancelOnGetStore) Get(ctx context.Context, key string) (int64, error) {
	if key == s.key {
		s.cancel()
	}
	return s.CounterStore.Get(ctx, key)
}

// conflictStore sempre perde a corrida do commit otimista.
type conflictStore struct {
	domain.CounterStore
	attempts int
}

func (s *conflictStore) IncrIfUnchanged(context.Context, string, int64) (int64, error) {
	s.attempts++
	return 0, domain.ErrConflict
}

// flakyStore perde as primeiras n corridas e depois delega.
type flakyStore struct {
	domain.CounterStore
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) IncrIfUnchanged(ctx context.Context, key string, expected int64) (int64, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return 0, domain.ErrConflict
	}
	s.mu.Unlock()
	return s.CounterStore.IncrIfUnchanged(ctx, key, expected)
}

// downStore falha em qualquer leitura da chave failKey ("" = todas).
type downStore struct {
	domain.CounterStore
	failKey string
}

var errDown = fmt.Errorf("%w: get: dial tcp: connection refused", domain.ErrStoreUnavailable)

func (s *downStore) fail(key string) bool { return s.failKey == "" || s.failKey == key }

func (s *downStore) Get(ctx context.Context, key string) (int64, error) {
	if s.fail(key) {
		return 0, errDown
	}
	return s.CounterStore.Get(ctx, key)
}

func (s *downStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.failKey == "" {
		return false, errDown
	}
	return s.CounterStore.SetNX(ctx, key, value, ttl)
}

func (s *downStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.failKey == "" {
		return false, errDown
	}
	return s.CounterStore.Exists(ctx, key)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, domain.Event) error {
	return errors.New("recorder down")
}
