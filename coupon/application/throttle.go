package application

import (
	"context"
	"time"

	"coupon-gateway/coupon/domain"
)

// ThrottleService decide se um cliente pode chamar a API agora.
//
// Ele não sabe nada sobre HTTP (headers/status) e não toca na cota de cupons:
// só protege o store de rajadas de um mesmo cliente.
type ThrottleService struct {
	Store domain.LimiterStore
	// MinRetryAfter é o piso do Retry-After quando o limiter não informa espera.
	MinRetryAfter time.Duration
}

func (s ThrottleService) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	lim := s.Store.Get(key)
	if lim == nil {
		return domain.Decision{Allowed: true}
	}

	ok, wait := lim.Allow()
	if ok {
		return domain.Decision{Allowed: true}
	}
	floor := s.MinRetryAfter
	if floor <= 0 {
		floor = time.Second
	}
	return domain.Decision{Allowed: false, RetryAfter: max(wait, floor)}
}

// ConcurrencyService concentra a aquisição/liberação de vagas de requisição em
// voo com timeout, sem saber nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
//   - Se AcquireTimeout <= 0, espera até o ctx cancelar.
//   - Se AcquireTimeout > 0, espera até o timeout.
//
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), bool) {
	if s.Pool == nil {
		return func() {}, true
	}
	if s.AcquireTimeout <= 0 {
		return s.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()
	return s.Pool.Acquire(acqCtx)
}
