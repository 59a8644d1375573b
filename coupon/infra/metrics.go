package infra

import (
	"context"

	"coupon-gateway/coupon/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder transforma eventos em métricas Prometheus.
type PrometheusRecorder struct {
	issued       prometheus.Counter
	rejections   *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	lastSequence prometheus.Gauge
}

// NewPrometheusRecorder registra os coletores em r. Use um registry próprio em
// testes para evitar registro duplicado.
func NewPrometheusRecorder(r prometheus.Registerer) *PrometheusRecorder {
	m := &PrometheusRecorder{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coupon_tokens_issued_total",
			Help: "Total number of coupon tokens issued",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_quota_rejections_total",
			Help: "Total number of issuance requests rejected by quota",
		}, []string{"scope"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Total number of redemption attempts by result",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_store_failures_total",
			Help: "Total number of operations failed by store errors, contention or cancellation",
		}, []string{"kind"}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coupon_last_sequence",
			Help: "Last global sequence number issued by this instance",
		}),
	}
	r.MustRegister(m.issued, m.rejections, m.redemptions, m.failures, m.lastSequence)
	return m
}

func (m *PrometheusRecorder) Record(_ context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventIssued:
		m.issued.Inc()
		m.lastSequence.Set(float64(ev.Sequence))
	case domain.EventQuotaRejected:
		m.rejections.WithLabelValues(ev.Scope.String()).Inc()
	case domain.EventRedeemed:
		m.redemptions.WithLabelValues("redeemed").Inc()
	case domain.EventRedeemRejected:
		m.redemptions.WithLabelValues(ev.Reason).Inc()
	case domain.EventContention, domain.EventStoreUnavailable, domain.EventCancelled:
		m.failures.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}
