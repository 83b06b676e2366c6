// Package prometheus contains the Prometheus-backed implementations of the
// metrics interfaces in pkg/metrics.
package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"

	"github.com/marmos91/drpc/pkg/metrics"
)

// gssMetrics is the Prometheus implementation of metrics.GSSMetrics.
type gssMetrics struct {
	upcallsInflight  prometheus.Gauge
	upcallsTotal     *prometheus.CounterVec
	contextsImported prometheus.Counter
	contextsExpired  prometheus.Counter
	seqAllocated     prometheus.Counter
	wrapFailures     prometheus.Counter
	unwrapFailures   prometheus.Counter
}

// NewGSSMetrics creates a Prometheus-backed GSSMetrics registered on the
// global registry. Returns the no-op implementation when the registry is
// not initialized.
func NewGSSMetrics() metrics.GSSMetrics {
	registry := metrics.GetRegistry()
	if registry == nil {
		return metrics.NoopGSS()
	}
	factory := promauto.With(registry)

	return &gssMetrics{
		upcallsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drpc_gss_upcalls_inflight",
			Help: "Number of upcalls currently awaiting a daemon downcall",
		}),
		upcallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drpc_gss_upcalls_total",
			Help: "Completed upcalls by outcome errno (ok on success)",
		}, []string{"outcome"}),
		contextsImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "drpc_gss_contexts_imported_total",
			Help: "Security contexts successfully imported from the daemon",
		}),
		contextsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "drpc_gss_contexts_expired_total",
			Help: "Context-expired verdicts from the mechanism provider",
		}),
		seqAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "drpc_gss_sequence_numbers_total",
			Help: "RPCSEC_GSS sequence numbers allocated",
		}),
		wrapFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "drpc_gss_wrap_failures_total",
			Help: "Request body wrap failures",
		}),
		unwrapFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "drpc_gss_unwrap_failures_total",
			Help: "Reply body unwrap or MIC verification failures",
		}),
	}
}

func (m *gssMetrics) RecordUpcallStart() {
	m.upcallsInflight.Inc()
}

func (m *gssMetrics) RecordUpcallDone(err error) {
	m.upcallsInflight.Dec()
	m.upcallsTotal.WithLabelValues(outcomeLabel(err)).Inc()
}

func (m *gssMetrics) RecordContextImported() { m.contextsImported.Inc() }
func (m *gssMetrics) RecordContextExpired()  { m.contextsExpired.Inc() }
func (m *gssMetrics) RecordSeqAllocated()    { m.seqAllocated.Inc() }
func (m *gssMetrics) RecordWrapFailure()     { m.wrapFailures.Inc() }
func (m *gssMetrics) RecordUnwrapFailure()   { m.unwrapFailures.Inc() }

// outcomeLabel keeps the label space small: the handful of errnos the
// upcall protocol can produce, plus "ok".
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno.Error()
	}
	return "error"
}
