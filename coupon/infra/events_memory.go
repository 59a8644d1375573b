package infra

import (
	"context"
	"errors"
	"sync"

	"coupon-gateway/coupon/domain"
)

// MemoryEventStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryEventStore struct {
	mu      sync.Mutex
	total   map[string]int64
	byOwner map[string]map[string]int64
	events  []domain.Event

	trackOwners bool
}

type MemoryEventOption func(*MemoryEventStore)

func WithMemoryTrackOwners(track bool) MemoryEventOption {
	return func(s *MemoryEventStore) { s.trackOwners = track }
}

func NewMemoryEventStore(opts ...MemoryEventOption) *MemoryEventStore {
	s := &MemoryEventStore{
		total:   make(map[string]int64),
		byOwner: make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryEventStore) Record(_ context.Context, ev domain.Event) error {
	field := eventField(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[field]++
	s.events = append(s.events, ev)
	if s.trackOwners && ev.OwnerID != "" {
		m := s.byOwner[ev.OwnerID]
		if m == nil {
			m = make(map[string]int64)
			s.byOwner[ev.OwnerID] = m
		}
		m[field]++
	}
	return nil
}

// Count retorna o total de um campo (ex: "issued", "quota_rejected:global").
func (s *MemoryEventStore) Count(field string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total[field]
}

func (s *MemoryEventStore) ByOwner(ownerID string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.byOwner[ownerID]))
	for k, v := range s.byOwner[ownerID] {
		out[k] = v
	}
	return out
}

// IssuedByOwner faz a MemoryEventStore servir também como domain.Journal.
func (s *MemoryEventStore) IssuedByOwner(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, ev := range s.events {
		if ev.Kind == domain.EventIssued {
			out[ev.OwnerID]++
		}
	}
	return out, nil
}

// MultiRecorder repassa cada evento para todos os recorders e junta os erros.
type MultiRecorder []domain.EventRecorder

func (m MultiRecorder) Record(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
