package application

import (
	"context"
	"errors"
	"time"

	"coupon-gateway/coupon/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries     = 50
	DefaultInitialBackoff = 5 * time.Millisecond
	DefaultMaxBackoff     = 100 * time.Millisecond

	// CompensationTimeout limita as escritas de compensação, que rodam mesmo
	// depois que o ctx de quem chamou foi cancelado.
	CompensationTimeout = 2 * time.Second
)

// LimitedCounter incrementa uma chave somente enquanto ela estiver abaixo do
// limite, usando o watch/commit otimista do store com retentativa limitada.
type LimitedCounter struct {
	Store domain.CounterStore

	// MaxRetries é o teto de tentativas após um conflito. Se 0, usa DefaultMaxRetries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger logrus.FieldLogger
}

type commitFunc func(ctx context.Context, key string, expected int64) (int64, error)

// TryIncrement retorna (novoValor, true) quando admitido, ou (valorAtual, false)
// quando o limite já foi atingido. Erros são sempre ErrStoreUnavailable,
// ErrContention ou o erro do ctx.
func (c LimitedCounter) TryIncrement(ctx context.Context, key string, limit int64) (int64, bool, error) {
	return c.try(ctx, key, limit, c.Store.IncrIfUnchanged, nil)
}

// TryConsume é o TryIncrement da fase global: o mesmo commit consome uma vaga
// reservada do dono. Sem vaga livre retorna ErrSlotReclaimed.
func (c LimitedCounter) TryConsume(ctx context.Context, key string, limit int64, slots domain.OwnerSlots) (int64, bool, error) {
	commit := func(ctx context.Context, key string, expected int64) (int64, error) {
		return c.Store.ConsumeIfUnchanged(ctx, key, expected, slots)
	}
	return c.try(ctx, key, limit, commit, []string{slots.Consumed})
}

// Release devolve uma vaga reservada do dono. Roda num ctx separado do de
// quem chamou: a devolução acontece mesmo se o cliente já desconectou.
// Retorna false quando não havia vaga livre (o reconcile já a devolveu).
func (c LimitedCounter) Release(ctx context.Context, slots domain.OwnerSlots) (bool, error) {
	ctx, cancel := compensationContext(ctx)
	defer cancel()

	bo := c.newBackoff()
	for attempt := 0; attempt <= c.retries(); attempt++ {
		released, err := c.Store.ReleaseSlot(ctx, slots)
		if !errors.Is(err, domain.ErrConflict) {
			return released, err
		}
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return false, err
		}
	}
	return false, domain.ErrContention
}

func (c LimitedCounter) try(ctx context.Context, key string, limit int64, commit commitFunc, alsoIncremented []string) (int64, bool, error) {
	retries := c.retries()
	bo := c.newBackoff()
	log := loggerOrDiscard(c.Logger).WithField("key", key)

	for attempt := 0; attempt <= retries; attempt++ {
		current, err := c.Store.Get(ctx, key)
		if err != nil {
			return 0, false, err
		}
		if current >= limit {
			return current, false, nil
		}

		next, err := commit(ctx, key, current)
		if errors.Is(err, domain.ErrConflict) {
			wait := bo.NextBackOff()
			log.WithField("attempt", attempt+1).Debugf("concurrent write, retrying in %s", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return 0, false, err
			}
			continue
		}
		if err != nil {
			return 0, false, err
		}

		if next > limit {
			// outro incremento passou pela pré-checagem; desfaz o nosso.
			if err := c.undo(ctx, append([]string{key}, alsoIncremented...)); err != nil {
				log.WithError(err).Error("compensating decrement failed, counter left above limit")
				return 0, false, err
			}
			return next - 1, false, nil
		}
		return next, true, nil
	}

	log.WithField("retries", retries).Warn("retry budget exhausted")
	return 0, false, domain.ErrContention
}

func (c LimitedCounter) undo(ctx context.Context, keys []string) error {
	ctx, cancel := compensationContext(ctx)
	defer cancel()
	for _, k := range keys {
		if _, err := c.Store.Decr(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (c LimitedCounter) retries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), CompensationTimeout)
}

func (c LimitedCounter) newBackoff() *backoff.ExponentialBackOff {
	initial := c.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maxInterval := c.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = DefaultMaxBackoff
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	bo.Reset()
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
