package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"coupon-gateway/coupon"
	"coupon-gateway/coupon/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	listenAddress string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coupon HTTP API",
	Long: `Start the coupon HTTP API.

Routes:
  POST /coupons/generate    issue a token for the owner in the owner header
  POST /coupons/validate    check a token without consuming it
  POST /coupons/use         redeem a token (single use)
  GET  /coupons/stats       global counters
  GET  /coupons/user-stats  counters of the owner in the owner header
  GET  /health              store connectivity
  GET  /metrics             Prometheus metrics (when events.metrics=true)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddr = serveFlags.listenAddress
	}

	var gatherer prometheus.Gatherer
	if a.registry != nil {
		gatherer = a.registry
	}
	h := coupon.NewHandler(coupon.HandlerOptions{
		Service:    a.svc,
		Owner:      coupon.HeaderOwner(cfg.Server.OwnerHeader),
		Gatherer:   gatherer,
		RetryAfter: cfg.Server.RetryAfter,
		Logger:     a.log,
	})

	var throttle coupon.ThrottleOptions
	if cfg.Throttle.Enabled {
		store := infra.NewThrottleStore(cfg.Throttle.RPS, cfg.Throttle.Burst, infra.WithIdleTTL(cfg.Throttle.IdleTTL))
		store.StartJanitor(ctx)
		throttle = coupon.ThrottleOptions{
			Store:               store,
			OwnerHeader:         cfg.Server.OwnerHeader,
			TrustXForwardedFor:  cfg.Server.TrustXFF,
			RetryAfter:          cfg.Server.RetryAfter,
			AddRateLimitHeaders: cfg.Throttle.AddHeaders,
		}
	}

	h = coupon.Chain(h,
		coupon.RequestID(a.log),
		coupon.Throttle(throttle),
		coupon.Concurrency(coupon.ConcurrencyOptions{
			Max:            cfg.Concurrency.Max,
			AcquireTimeout: cfg.Concurrency.AcquireTimeout,
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.WithFields(logrus.Fields{
		"addr":         cfg.Server.ListenAddr,
		"store":        cfg.Store.Backend,
		"quota_mode":   cfg.Quota.Mode,
		"global_limit": cfg.Quota.GlobalLimit,
		"owner_limit":  cfg.Quota.OwnerLimit,
		"token_ttl":    cfg.Token.TTL.String(),
	}).Info("coupond listening")
	a.log.WithFields(logrus.Fields{
		"enabled": cfg.Throttle.Enabled,
		"rps":     cfg.Throttle.RPS,
		"burst":   cfg.Throttle.Burst,
		"headers": cfg.Throttle.AddHeaders,
	}).Info("throttle")
	a.log.WithFields(logrus.Fields{
		"max":             cfg.Concurrency.Max,
		"acquire_timeout": cfg.Concurrency.AcquireTimeout.String(),
	}).Info("concurrency")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.log.Info("coupond stopped")
	return nil
}
