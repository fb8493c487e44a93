package mrpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "mrpcec"

// Metrics holds the optional Prometheus instrumentation an Engine reports
// to. It is nil-safe: every Engine method that touches metrics checks for
// a nil *Metrics first, so an Engine built without one (the default)
// simply does not instrument itself. Callers that want metrics call
// SetMetrics with either NewMetrics(reg) or the process-wide Default().
type Metrics struct {
	HandshakesStarted prometheus.Counter
	HandshakesFailed  *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	KeyRefreshes      prometheus.Counter
	BytesEncrypted    prometheus.Counter
	BytesDecrypted    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns a process-wide Metrics instance registered against
// prometheus.DefaultRegisterer, created on first use.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = NewMetrics(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

// NewMetrics registers a fresh set of mrpc metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HandshakesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_started_total",
			Help:      "Total handshakes (StartSession/Accept) attempted.",
		}),
		HandshakesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_failed_total",
			Help:      "Total handshakes rejected with an MrpcSessionReturnError, by reason.",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of engines currently past the handshake (Connected/ReadyRead).",
		}),
		KeyRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "key_refreshes_total",
			Help:      "Total client-initiated session key refreshes completed.",
		}),
		BytesEncrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_encrypted_total",
			Help:      "Total plaintext bytes of application messages sealed into encryption frames by Send.",
		}),
		BytesDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_decrypted_total",
			Help:      "Total ciphertext bytes opened from encryption frames.",
		}),
	}
}

// SetMetrics installs m as the Engine's instrumentation target. Passing nil
// (the default) disables instrumentation.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }
