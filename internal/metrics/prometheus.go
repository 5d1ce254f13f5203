package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a Registry's counters on an HTTP /metrics
// endpoint, adapted from the teacher's PrometheusCollector/NewPrometheusServer
// pair. It never writes to the Registry; it only reads it.
type PrometheusServer struct {
	addr   string
	path   string
	server *http.Server
}

// NewPrometheusServer registers gauge/counter callbacks against reg's live
// fields and returns a server ready to Start on addr at path.
func NewPrometheusServer(addr, path string, reg *Registry) *PrometheusServer {
	registerer := prometheus.NewRegistry()

	registerer.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "smtpd_connections_total",
		Help: "Total number of accepted SMTP connections.",
	}, func() float64 { return float64(reg.TotalConnections.Load()) }))

	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smtpd_connections_current",
		Help: "Number of currently open SMTP connections.",
	}, func() float64 { return float64(reg.CurrentConnections.Load()) }))

	registerer.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "smtpd_bytes_transferred_total",
		Help: "Total bytes of message body transferred.",
	}, func() float64 { return float64(reg.BytesTransferred.Load()) }))

	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smtpd_transform_enabled",
		Help: "Whether the transform subsystem is currently enabled (1) or disabled (0).",
	}, func() float64 { return boolToFloat(reg.TransformEnabled.Load()) }))

	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smtpd_verify_enabled",
		Help: "Whether the VRFY-activation toggle is currently set (1) or clear (0).",
	}, func() float64 { return boolToFloat(reg.VerifyEnabled.Load()) }))

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	return &PrometheusServer{
		addr:   addr,
		path:   path,
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving metrics. It blocks until ctx is cancelled or the
// server fails to serve.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
