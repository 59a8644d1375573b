package infra

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"coupon-gateway/coupon/domain"

	"github.com/redis/go-redis/v9"
)

//go:embed admit.lua
var admitScript string

// RedisCounterStore implementa domain.CounterStore e domain.AtomicAdmitter
// sobre um Redis de instância única.
//
// O script de admissão e os commits de vagas tocam várias chaves; em Redis
// Cluster elas precisariam do mesmo hash slot (ex: Namespace com hash tag "{coupon}").
type RedisCounterStore struct {
	rdb       redis.UniversalClient
	admit     *redis.Script
	scanCount int64
}

type RedisStoreOption func(*RedisCounterStore)

// WithScanCount ajusta o COUNT usado no SCAN do reset/reconcile.
func WithScanCount(n int64) RedisStoreOption {
	return func(s *RedisCounterStore) { s.scanCount = n }
}

func NewRedisCounterStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisCounterStore {
	s := &RedisCounterStore{
		rdb:       rdb,
		admit:     redis.NewScript(admitScript),
		scanCount: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// storeErr classifica falhas do go-redis. Cancelamento e prazo do ctx de quem
// chamou não são indisponibilidade do store e seguem com o erro do ctx.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}

// txInt lê um inteiro dentro de um WATCH; chave ausente vale 0.
func txInt(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	v, err := tx.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// errNoFreeSlot interrompe o WATCH quando não há vaga livre para devolver.
var errNoFreeSlot = errors.New("no free owner slot")

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("get", err)
	}
	return v, nil
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, storeErr("incr", err)
	}
	return v, nil
}

func (s *RedisCounterStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, storeErr("decr", err)
	}
	return v, nil
}

// IncrIfUnchanged usa WATCH + GET + MULTI/INCR/EXEC. Se a chave mudou desde a
// leitura de quem chamou, ou durante a transação, retorna domain.ErrConflict.
func (s *RedisCounterStore) IncrIfUnchanged(ctx context.Context, key string, expected int64) (int64, error) {
	var incr *redis.IntCmd
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := txInt(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return domain.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, domain.ErrConflict
	case err != nil:
		return 0, storeErr("watch incr", err)
	}
	return incr.Val(), nil
}

// ConsumeIfUnchanged observa key e as duas chaves de vagas do dono. Em Redis
// Cluster as três precisam do mesmo hash slot.
func (s *RedisCounterStore) ConsumeIfUnchanged(ctx context.Context, key string, expected int64, slots domain.OwnerSlots) (int64, error) {
	var incr *redis.IntCmd
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := txInt(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return domain.ErrConflict
		}
		reserved, err := txInt(ctx, tx, slots.Reserved)
		if err != nil {
			return err
		}
		consumed, err := txInt(ctx, tx, slots.Consumed)
		if err != nil {
			return err
		}
		if reserved <= consumed {
			return domain.ErrSlotReclaimed
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Incr(ctx, slots.Consumed)
			return nil
		})
		return err
	}, key, slots.Reserved, slots.Consumed)

	switch {
	case errors.Is(err, domain.ErrSlotReclaimed):
		return 0, err
	case errors.Is(err, domain.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, domain.ErrConflict
	case err != nil:
		return 0, storeErr("watch consume", err)
	}
	return incr.Val(), nil
}

func (s *RedisCounterStore) ReleaseSlot(ctx context.Context, slots domain.OwnerSlots) (bool, error) {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		reserved, err := txInt(ctx, tx, slots.Reserved)
		if err != nil {
			return err
		}
		consumed, err := txInt(ctx, tx, slots.Consumed)
		if err != nil {
			return err
		}
		if reserved <= consumed {
			return errNoFreeSlot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Decr(ctx, slots.Reserved)
			return nil
		})
		return err
	}, slots.Reserved, slots.Consumed)

	switch {
	case errors.Is(err, errNoFreeSlot):
		return false, nil
	case errors.Is(err, redis.TxFailedErr):
		return false, domain.ErrConflict
	case err != nil:
		return false, storeErr("watch release", err)
	}
	return true, nil
}

func (s *RedisCounterStore) ReclaimSlots(ctx context.Context, slots domain.OwnerSlots, expectedReserved int64) (int64, error) {
	var released int64
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		reserved, err := txInt(ctx, tx, slots.Reserved)
		if err != nil {
			return err
		}
		if reserved != expectedReserved {
			return domain.ErrConflict
		}
		consumed, err := txInt(ctx, tx, slots.Consumed)
		if err != nil {
			return err
		}
		if reserved <= consumed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, slots.Reserved, consumed, 0)
			return nil
		})
		if err == nil {
			released = reserved - consumed
		}
		return err
	}, slots.Reserved, slots.Consumed)

	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, domain.ErrConflict
	case err != nil:
		return 0, storeErr("watch reclaim", err)
	}
	return released, nil
}

func (s *RedisCounterStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr("setnx", err)
	}
	return ok, nil
}

func (s *RedisCounterStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("exists", err)
	}
	return n > 0, nil
}

func (s *RedisCounterStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, storeErr("del", err)
	}
	return n, nil
}

// Scan percorre o keyspace com SCAN (nunca KEYS) e remove duplicatas, que o
// SCAN pode devolver.
func (s *RedisCounterStore) Scan(ctx context.Context, match string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, storeErr("scan", err)
		}
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisCounterStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// AdmitAtomically roda o script de admissão (EVALSHA com fallback para EVAL).
func (s *RedisCounterStore) AdmitAtomically(ctx context.Context, slots domain.OwnerSlots, globalKey string, ownerLimit, globalLimit int64) (domain.AtomicAdmission, error) {
	keys := []string{slots.Reserved, globalKey, slots.Consumed}
	vals, err := s.admit.Run(ctx, s.rdb, keys, ownerLimit, globalLimit).Int64Slice()
	if err != nil {
		return domain.AtomicAdmission{}, storeErr("admit script", err)
	}
	if len(vals) != 3 {
		return domain.AtomicAdmission{}, fmt.Errorf("admit script: unexpected reply %v", vals)
	}

	switch vals[1] {
	case 1:
		return domain.AtomicAdmission{Rejected: domain.ScopeOwner, Current: vals[2]}, nil
	case 2:
		return domain.AtomicAdmission{Rejected: domain.ScopeGlobal, Current: vals[2]}, nil
	}
	return domain.AtomicAdmission{Admitted: vals[0] == 1, Sequence: vals[2]}, nil
}
