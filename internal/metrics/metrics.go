// Package metrics exposes the prometheus counters/gauges for both runtime
// loops, grounded on the teacher's flow/metrics.go and quic/metrics.go
// (promauto-registered CounterVec/GaugeVec under a package-level
// namespace).
package metrics

import (
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "duskwire"

var sideLabel = []string{"side"}

var (
	StreamsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "accepted_total",
		Help:      "Streams admitted by the Acceptor Gate or created on the server.",
	}, sideLabel)

	StreamsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "rejected_total",
		Help:      "Local TCP connections dropped for lack of acceptor credit.",
	}, sideLabel)

	StreamsOverflowed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "overflowed_total",
		Help:      "Streams that latched the discarding overflow state.",
	}, sideLabel)

	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "bytes_relayed_total",
		Help:      "Bytes relayed between the local sink and the peer.",
	}, append([]string{"direction"}, sideLabel...))

	PollQueriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dns",
		Name:      "poll_queries_total",
		Help:      "Poll queries sent per resolver path.",
	}, []string{"resolver"})

	DataQueriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dns",
		Name:      "data_queries_total",
		Help:      "Data-carrying queries sent per resolver path.",
	}, []string{"resolver"})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "reconnects_total",
		Help:      "Outer-loop reconnect attempts on the client.",
	})

	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "streams",
		Name:      "active",
		Help:      "Currently live streams.",
	}, sideLabel)

	AcceptorCredit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "acceptor",
		Name:      "credit_remaining",
		Help:      "max - used on the Acceptor Gate.",
	}, sideLabel)
)

// Serve starts a background HTTP server exposing /metrics via promhttp, the
// same handler the teacher's metrics.newMetricsHandler registers. addr may
// be "host:0" to bind an ephemeral port (the bound address is logged so an
// operator can discover it). Empty addr disables the server entirely.
func Serve(addr string, log *zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "metrics: binding listener")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Handler: mux}
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return nil
}
