package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"coupon-gateway/config"
	"coupon-gateway/coupon/application"
	"coupon-gateway/coupon/domain"
	"coupon-gateway/coupon/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app reúne as dependências montadas a partir da configuração.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	rdb      *redis.Client
	store    domain.CounterStore
	journal  *infra.SQLiteJournal
	registry *prometheus.Registry
	svc      *application.Service
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return l, nil
}

func newRedisClient(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err := rdb.Ping(pingCtx).Result()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// loadApp carrega a config e monta store, codec, eventos e serviço.
// withEvents=false é usado pelos comandos administrativos.
func loadApp(ctx context.Context, withEvents bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory counter store: quotas are per process")
		a.store = infra.NewMemoryCounterStore()
	default:
		a.rdb, err = newRedisClient(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.store = infra.NewRedisCounterStore(a.rdb)
	}

	if cfg.Events.JournalPath != "" {
		a.journal, err = infra.NewSQLiteJournal(cfg.Events.JournalPath)
		if err != nil {
			return nil, err
		}
	}

	var recorders infra.MultiRecorder
	if withEvents {
		if cfg.Events.Metrics {
			a.registry = prometheus.NewRegistry()
			a.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			recorders = append(recorders, infra.NewPrometheusRecorder(a.registry))
		}
		if cfg.Events.Redis && a.rdb != nil {
			recorders = append(recorders, infra.NewRedisEventStore(
				a.rdb,
				infra.WithEventPrefix(cfg.Events.Prefix),
				infra.WithEventTTL(cfg.Events.TTL),
				infra.WithEventBucket(cfg.Events.Bucket),
				infra.WithEventTrackOwners(cfg.Events.TrackOwners),
			))
		}
		if a.journal != nil {
			recorders = append(recorders, a.journal)
		}
	}

	codec, err := infra.NewJWTCodec(cfg.Token.Secret, cfg.Token.Issuer)
	if err != nil {
		return nil, err
	}

	opts := application.Options{
		Keys: domain.KeySpace{
			Namespace:    cfg.Keys.Namespace,
			GlobalKey:    cfg.Keys.Global,
			OwnerPrefix:  cfg.Keys.OwnerPrefix,
			IssuedPrefix: cfg.Keys.IssuedPrefix,
			UsedPrefix:   cfg.Keys.UsedPrefix,
		},
		GlobalLimit:    cfg.Quota.GlobalLimit,
		OwnerLimit:     cfg.Quota.OwnerLimit,
		TokenTTL:       cfg.Token.TTL,
		MaxRetries:     cfg.Quota.MaxRetries,
		InitialBackoff: cfg.Quota.InitialBackoff,
		MaxBackoff:     cfg.Quota.MaxBackoff,
		AtomicAdmit:    cfg.Quota.Mode == config.ModeScript,
		Logger:         log,
	}
	if len(recorders) > 0 {
		opts.Events = recorders
	}

	a.svc, err = application.NewService(a.store, codec, opts)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) Close() {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil && a.log != nil {
		a.log.WithError(err).Warn("error closing resources")
	}
}
