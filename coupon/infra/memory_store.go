package infra

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"coupon-gateway/coupon/domain"
)

// MemoryCounterStore implementa domain.CounterStore em memória, com as mesmas
// garantias por chave do Redis. Útil para testes e para rodar sem Redis.
//
// O estado é local ao processo: não serve para várias instâncias.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

type MemoryStoreOption func(*MemoryCounterStore)

// WithClock troca o relógio usado para expirar chaves com TTL.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryCounterStore) { s.now = now }
}

func NewMemoryCounterStore(opts ...MemoryStoreOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookupLocked devolve a entrada viva, descartando a expirada.
func (s *MemoryCounterStore) lookupLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryCounterStore) intLocked(key string) (int64, error) {
	e, ok := s.lookupLocked(key)
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q does not hold an integer", key)
	}
	return v, nil
}

func (s *MemoryCounterStore) addLocked(key string, delta int64) (int64, error) {
	v, err := s.intLocked(key)
	if err != nil {
		return 0, err
	}
	v += delta
	e := s.entries[key]
	e.value = strconv.FormatInt(v, 10)
	s.entries[key] = e
	return v, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intLocked(key)
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(key, 1)
}

func (s *MemoryCounterStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(key, -1)
}

func (s *MemoryCounterStore) IncrIfUnchanged(_ context.Context, key string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.intLocked(key)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, domain.ErrConflict
	}
	return s.addLocked(key, 1)
}

func (s *MemoryCounterStore) ConsumeIfUnchanged(_ context.Context, key string, expected int64, slots domain.OwnerSlots) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.intLocked(key)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, domain.ErrConflict
	}
	free, err := s.freeSlotsLocked(slots)
	if err != nil {
		return 0, err
	}
	if free <= 0 {
		return 0, domain.ErrSlotReclaimed
	}
	if _, err := s.addLocked(slots.Consumed, 1); err != nil {
		return 0, err
	}
	return s.addLocked(key, 1)
}

func (s *MemoryCounterStore) ReleaseSlot(_ context.Context, slots domain.OwnerSlots) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free, err := s.freeSlotsLocked(slots)
	if err != nil || free <= 0 {
		return false, err
	}
	_, err = s.addLocked(slots.Reserved, -1)
	return err == nil, err
}

func (s *MemoryCounterStore) ReclaimSlots(_ context.Context, slots domain.OwnerSlots, expectedReserved int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserved, err := s.intLocked(slots.Reserved)
	if err != nil {
		return 0, err
	}
	if reserved != expectedReserved {
		return 0, domain.ErrConflict
	}
	free, err := s.freeSlotsLocked(slots)
	if err != nil || free <= 0 {
		return 0, err
	}
	if _, err := s.addLocked(slots.Reserved, -free); err != nil {
		return 0, err
	}
	return free, nil
}

func (s *MemoryCounterStore) freeSlotsLocked(slots domain.OwnerSlots) (int64, error) {
	reserved, err := s.intLocked(slots.Reserved)
	if err != nil {
		return 0, err
	}
	consumed, err := s.intLocked(slots.Consumed)
	if err != nil {
		return 0, err
	}
	return reserved - consumed, nil
}

func (s *MemoryCounterStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookupLocked(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryCounterStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookupLocked(key)
	return ok, nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.lookupLocked(k); ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryCounterStore) Scan(_ context.Context, match string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.entries {
		if _, ok := s.lookupLocked(k); !ok {
			continue
		}
		if globMatch(match, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryCounterStore) Ping(context.Context) error { return nil }

// AdmitAtomically faz as duas verificações e os incrementos sob o mesmo lock.
func (s *MemoryCounterStore) AdmitAtomically(_ context.Context, slots domain.OwnerSlots, globalKey string, ownerLimit, globalLimit int64) (domain.AtomicAdmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, err := s.intLocked(slots.Reserved)
	if err != nil {
		return domain.AtomicAdmission{}, err
	}
	if owner >= ownerLimit {
		return domain.AtomicAdmission{Rejected: domain.ScopeOwner, Current: owner}, nil
	}
	global, err := s.intLocked(globalKey)
	if err != nil {
		return domain.AtomicAdmission{}, err
	}
	if global >= globalLimit {
		return domain.AtomicAdmission{Rejected: domain.ScopeGlobal, Current: global}, nil
	}

	if _, err := s.addLocked(slots.Reserved, 1); err != nil {
		return domain.AtomicAdmission{}, err
	}
	if _, err := s.addLocked(slots.Consumed, 1); err != nil {
		return domain.AtomicAdmission{}, err
	}
	seq, err := s.addLocked(globalKey, 1)
	if err != nil {
		return domain.AtomicAdmission{}, err
	}
	return domain.AtomicAdmission{Admitted: true, Sequence: seq}, nil
}

// globMatch trata "prefixo*" como prefixo (ownerIDs podem conter '/') e usa
// path.Match no resto.
func globMatch(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[") {
		return strings.HasPrefix(key, prefix)
	}
	ok, _ := path.Match(pattern, key)
	return ok
}
