package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coupon-gateway/coupon/domain"

	"github.com/redis/go-redis/v9"
)

// RedisEventStore agrega eventos em hashes do Redis:
//
//	{prefix}:total             campo = tipo do evento (issued, quota_rejected:global, ...)
//	{prefix}:minute:YYYYMMDDhhmm  idem, com TTL
//	{prefix}:owner:{ownerID}   idem, só com WithEventTrackOwners(true), com TTL
type RedisEventStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal / por dono.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackOwners bool
}

type RedisEventOption func(*RedisEventStore)

func WithEventPrefix(prefix string) RedisEventOption {
	return func(s *RedisEventStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithEventTTL(d time.Duration) RedisEventOption {
	return func(s *RedisEventStore) { s.ttl = d }
}

func WithEventBucket(bucket string) RedisEventOption {
	return func(s *RedisEventStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithEventTrackOwners(track bool) RedisEventOption {
	return func(s *RedisEventStore) { s.trackOwners = track }
}

func NewRedisEventStore(rdb redis.UniversalClient, opts ...RedisEventOption) *RedisEventStore {
	s := &RedisEventStore{
		rdb:    rdb,
		prefix: "coupon:events",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// eventField monta o campo do hash; rejeições carregam escopo ou motivo.
func eventField(ev domain.Event) string {
	switch {
	case ev.Kind == domain.EventQuotaRejected:
		return string(ev.Kind) + ":" + ev.Scope.String()
	case ev.Reason != "":
		return string(ev.Kind) + ":" + ev.Reason
	default:
		return string(ev.Kind)
	}
}

func (s *RedisEventStore) Record(ctx context.Context, ev domain.Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := eventField(ev)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackOwners {
		if owner := strings.TrimSpace(ev.OwnerID); owner != "" {
			ownerKey := s.prefix + ":owner:" + owner
			pipe.HIncrBy(ctx, ownerKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, ownerKey, s.ttl)
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("record event", err)
	}
	return nil
}

// Totals lê o hash cumulativo.
func (s *RedisEventStore) Totals(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return nil, storeErr("read events", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}
