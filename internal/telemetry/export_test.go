package telemetry

import (
	"net/http"

	"codeberg.org/mutker/battester/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// NewPromForTest exposes the Prometheus collector's internals to tests.
func NewPromForTest() (Collector, *prometheus.Registry, http.Handler) {
	c := newPromCollector(Config{Enabled: true, Addr: "127.0.0.1:0"}, logger.Nop())
	return c, c.registry, c.Handler()
}
