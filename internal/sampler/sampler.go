// Package sampler reads the device on a fixed, wall-clock aligned
// schedule and queues the results for delivery.
package sampler

import (
	"context"
	"errors"
	"time"

	"github.com/Lalufu/solaredge-mqtt/events"
	"github.com/Lalufu/solaredge-mqtt/internal/buffer"
	"github.com/Lalufu/solaredge-mqtt/internal/clock"
	"github.com/Lalufu/solaredge-mqtt/internal/metrics"
	"github.com/Lalufu/solaredge-mqtt/internal/schedule"
	"github.com/rs/zerolog/log"
)

// DefaultMaxLateness is how far past its deadline a tick may start and
// still be sampled.
const DefaultMaxLateness = 50 * time.Millisecond

// Reader returns one snapshot of the device per call.
type Reader interface {
	Read(ctx context.Context) (events.Snapshot, error)
}

type Config struct {
	// Grid period and phase
	Period time.Duration
	Phase  time.Duration
	// Subtracted from the deadline to get the capture time. Positive
	// values shift timestamps into the past.
	TimeOffset time.Duration
	// Upper bound for a single read; defaults to the period
	ReadTimeout time.Duration
	// Ticks that start later than this after their deadline are
	// skipped; defaults to DefaultMaxLateness
	MaxLateness time.Duration
	// Snapshot field holding the device identifier
	KeyField string
}

// Loop alternates between waiting for the next deadline and reading
// the device. It never waits on the consumer of the buffer.
type Loop struct {
	config   Config
	reader   Reader
	buffer   *buffer.Buffer[events.Record]
	schedule *schedule.Schedule
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func New(cfg Config, reader Reader, buf *buffer.Buffer[events.Record], clk clock.Clock, m *metrics.Metrics) (*Loop, error) {
	sched, err := schedule.New(cfg.Period, cfg.Phase)
	if err != nil {
		return nil, err
	}
	if cfg.KeyField == "" {
		return nil, errors.New("sampler: no key field configured")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = cfg.Period
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = DefaultMaxLateness
	}
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Loop{
		config:   cfg,
		reader:   reader,
		buffer:   buf,
		schedule: sched,
		clock:    clk,
		metrics:  m,
	}, nil
}

// Run samples until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Msgf("Sampling every %s (phase %s, time offset %s)",
		l.config.Period, l.config.Phase, l.config.TimeOffset)

	for {
		now := l.clock.Now()
		deadline, skipped := l.schedule.Next(now)
		if skipped > 0 {
			l.metrics.SkippedTicks.Add(float64(skipped))
			log.Debug().Int("skipped", skipped).Msgf("Sampler running late, resuming at %s", deadline.Format(time.RFC3339Nano))
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Sampler stopped")
			return nil
		case <-l.clock.After(deadline.Sub(now)):
		}

		// a reading taken now does not belong to a deadline long past
		if late := l.clock.Now().Sub(deadline); late > l.config.MaxLateness {
			l.metrics.SkippedTicks.Inc()
			log.Warn().Dur("late", late).Msgf("Skipping sample at %s, woke up too late", deadline.Format(time.RFC3339))
			continue
		}

		l.sample(ctx, deadline)
	}
}

// sample performs a single tick. Errors never leave this function.
func (l *Loop) sample(ctx context.Context, deadline time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, l.config.ReadTimeout)
	defer cancel()

	snapshot, err := l.reader.Read(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.metrics.SampleErrors.Inc()
		log.Error().Err(err).Msgf("Error reading from device, skipping sample at %s", deadline.Format(time.RFC3339))
		return
	}

	rec, err := events.NewRecord(deadline.Add(-l.config.TimeOffset), snapshot, l.config.KeyField)
	if err != nil {
		l.metrics.SampleErrors.Inc()
		log.Error().Err(err).Msg("Discarding snapshot")
		return
	}
	l.metrics.Samples.Inc()
	log.Debug().Msgf("Received values from device: %v", snapshot)

	if !l.buffer.Enqueue(rec) {
		l.metrics.Dropped.Inc()
		log.Warn().
			Int("capacity", l.buffer.Cap()).
			Msg("Buffer full, dropped a record")
	}
}
