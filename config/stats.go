package config

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// StatsServer exports a metrics registry over HTTP.
type StatsServer struct {
	srv *http.Server
	ln  net.Listener
}

// Addr returns the address the exporter listens on.
func (s *StatsServer) Addr() net.Addr { return s.ln.Addr() }

func (s *StatsServer) Close() error { return s.srv.Close() }

// StartStats exports r as configured by c. It returns nil when stats are
// disabled.
func StartStats(l *logrus.Logger, c Stats, r metrics.Registry) (*StatsServer, error) {
	switch c.Type {
	case "", "none":
		return nil, nil
	case "prometheus":
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", c.Type)
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.Interval)
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Build information of the driver",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	metrics.RegisterRuntimeMemStats(r)
	go metrics.CaptureRuntimeMemStats(r, c.Interval)

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening for stats: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	s := &StatsServer{srv: &http.Server{Handler: mux}, ln: ln}

	l.Infof("Prometheus stats listening on %s at %s", ln.Addr(), c.Path)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Stats server failed")
		}
	}()
	return s, nil
}
