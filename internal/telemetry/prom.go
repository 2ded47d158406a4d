package telemetry

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type promCollector struct {
	cfg      Config
	log      logger.Logger
	registry *prometheus.Registry

	state        *prometheus.GaugeVec
	voltage      prometheus.Gauge
	current      prometheus.Gauge
	tests        *prometheus.CounterVec
	recordsLost  prometheus.Counter
	faults       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	linkFailures *prometheus.CounterVec
}

func newPromCollector(cfg Config, log logger.Logger) *promCollector {
	c := &promCollector{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current test state, 0 otherwise.",
		}, []string{"state"}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_voltage_volts",
			Help:      "Latest battery voltage reported by the BI.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_current_amps",
			Help:      "Averaged discharge current reported by the BI.",
		}),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Finished tests by outcome.",
		}, []string{"status"}),
		recordsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Completed tests whose record could not be stored.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults observed by the host.",
		}, []string{"source", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "link_request_seconds",
			Help:      "Round-trip time of link requests, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		linkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_failures_total",
			Help:      "Link requests that failed after all retries.",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(c.state, c.voltage, c.current, c.tests, c.recordsLost, c.faults, c.latency, c.linkFailures)

	for _, s := range States {
		c.state.WithLabelValues(s).Set(0)
	}

	return c
}

func (c *promCollector) SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

func (c *promCollector) ObserveReading(r domain.AveragedReading) {
	c.voltage.Set(r.VoltageLatest.Volts())
	c.current.Set(r.CurrentAvg.Amps())
}

func (c *promCollector) TestFinished(status domain.RecordStatus) {
	c.tests.WithLabelValues(string(status)).Inc()
}

func (c *promCollector) RecordFailed() {
	c.recordsLost.Inc()
}

func (c *promCollector) Fault(source string, kind domain.FaultKind) {
	c.faults.WithLabelValues(source, kind.String()).Inc()
}

func (c *promCollector) ObserveRequest(kind string, elapsed time.Duration, err error) {
	c.latency.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		c.linkFailures.WithLabelValues(kind).Inc()
	}
}

// Handler exposes the collector's registry.
func (c *promCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the metrics endpoint until ctx is done.
func (c *promCollector) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	c.log.Info().Str("addr", c.cfg.Addr).Msg("Metrics endpoint listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.New().Wrap(ErrServe, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}

	return nil
}
