package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "solaredge_mqtt"

// Metrics groups the collectors updated by the sampler and the
// delivery worker.
type Metrics struct {
	Samples       prometheus.Counter
	SampleErrors  prometheus.Counter
	SkippedTicks  prometheus.Counter
	Dropped       prometheus.Counter
	Published     prometheus.Counter
	PublishErrors prometheus.Counter
	EncodeErrors  prometheus.Counter
	Connects      prometheus.Counter
	SinkState     prometheus.Gauge
	PublishTime   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Snapshots successfully read from the device.",
		}),
		SampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Ticks skipped because the device read failed.",
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Grid points not sampled because the sampler woke up late.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Records lost to the buffer overflow policy.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Records published to the broker.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publish attempts that failed and were retried after reconnecting.",
		}),
		EncodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_errors_total",
			Help:      "Records dropped because they could not be serialized.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_connects_total",
			Help:      "Successful connections to the broker.",
		}),
		SinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_state",
			Help:      "Broker connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
		PublishTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one record.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.Samples, m.SampleErrors, m.SkippedTicks, m.Dropped, m.Published,
		m.PublishErrors, m.EncodeErrors, m.Connects, m.SinkState, m.PublishTime,
	)
	return m
}

// Discard returns collectors that are not registered anywhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// RegisterBufferLength exposes the current buffer length as a gauge.
func RegisterBufferLength(reg prometheus.Registerer, length func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_length",
		Help:      "Records waiting to be published.",
	}, func() float64 { return float64(length()) }))
}

// Serve exposes the metrics in gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Msgf("Failed to shut down metrics server: %s", err)
		}
	}()

	log.Info().Msgf("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
