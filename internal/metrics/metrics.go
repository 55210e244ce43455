// Package metrics exports session activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
)

const namespace = "sequencer"

// Collector is a scheduler.Observer that counts commands.
type Collector struct {
	dispatched *prometheus.CounterVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	depth      prometheus.Gauge
	halts      prometheus.Counter
}

var _ scheduler.Observer = (*Collector)(nil)

// NewCollector registers the metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Commands handed to the processor, by command name.",
		}, []string{"command"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Commands that received a response, by command name and outcome.",
		}, []string{"command", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to response.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"command"}),
		depth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_depth",
			Help:      "Nesting depth of the most recently dispatched command.",
		}),
		halts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_halts_total",
			Help:      "Sessions halted by an unhandled command failure.",
		}),
	}
}

// CommandDispatched counts cmd by name and records its nesting depth.
func (c *Collector) CommandDispatched(_ string, cmd *command.Command, depth int) {
	c.dispatched.WithLabelValues(string(cmd.Name())).Inc()
	c.depth.Set(float64(depth))
}

// CommandFinished counts cmd by name and outcome and observes how long it
// ran.
func (c *Collector) CommandFinished(_ string, cmd *command.Command, elapsed time.Duration) {
	outcome := "success"
	if cmd.IsFailed() {
		outcome = "failure"
	}
	c.finished.WithLabelValues(string(cmd.Name()), outcome).Inc()
	c.duration.WithLabelValues(string(cmd.Name())).Observe(elapsed.Seconds())
}

// SessionHalted counts a halt.
func (c *Collector) SessionHalted(string, *scheduler.UnhandledCommandFailure) {
	c.halts.Inc()
}

// Serve exposes g on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Metrics listener started.", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics listener failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener shutdown: %w", err)
		}
		return nil
	}
}
