// Package delivery drains the measurement buffer into the broker.
//
// The worker owns the broker connection. While connected it takes
// records from the head of the buffer and publishes them one at a
// time; while disconnected it leaves the buffer alone so records
// accumulate under the buffer's overflow policy. A record whose
// publish fails goes back to the head of the buffer and is retried
// first after reconnecting.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Lalufu/solaredge-mqtt/events"
	"github.com/Lalufu/solaredge-mqtt/internal/buffer"
	"github.com/Lalufu/solaredge-mqtt/internal/clock"
	"github.com/Lalufu/solaredge-mqtt/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConnectionLost is the cause reported when the transport
	// signals a dropped connection.
	ErrConnectionLost = errors.New("connection lost")
	// ErrPublish wraps errors returned by Transport.Publish.
	ErrPublish = errors.New("publish failed")
)

// Transport is the broker connection used by the worker.
type Transport interface {
	// Connect blocks until the connection is up, ctx is done or the
	// attempt failed. The returned channel receives a value (or is
	// closed) once this connection is lost.
	Connect(ctx context.Context) (<-chan error, error)
	// Publish sends payload to topic on the current connection.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Disconnect closes the connection for good.
	Disconnect(ctx context.Context) error
}

// State of the broker connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	// Topic template, see events.Topic
	Topic string
	// Bounds a single publish
	PublishTimeout time.Duration
	// Bounds the final disconnect on shutdown
	DisconnectTimeout time.Duration
	// Delay between failed connection attempts
	Backoff Backoff
}

type Worker struct {
	config    Config
	transport Transport
	buffer    *buffer.Buffer[events.Record]
	clock     clock.Clock
	metrics   *metrics.Metrics
	encode    func(events.Record) ([]byte, error)
	state     atomic.Int32
}

func NewWorker(cfg Config, transport Transport, buf *buffer.Buffer[events.Record], clk clock.Clock, m *metrics.Metrics) *Worker {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Worker{
		config:    cfg,
		transport: transport,
		buffer:    buf,
		clock:     clk,
		metrics:   m,
		encode:    events.Encode,
	}
}

// State returns the current connection state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if prev := State(w.state.Swap(int32(s))); prev != s {
		log.Debug().Msgf("Broker connection %s -> %s", prev, s)
	}
	w.metrics.SinkState.Set(float64(s))
}

// Run connects, delivers and reconnects until ctx is done. Records
// still buffered on return are abandoned.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()

	// attempt counts failed connects, failures counts publish failures
	// since the last successful publish
	attempt, failures := 0, 0
	for {
		w.setState(Connecting)
		lost, err := w.transport.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			delay := w.config.Backoff.Delay(attempt)
			log.Error().Err(err).Int("attempt", attempt).Msgf("Failed to connect to broker, retrying in %s", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(delay):
			}
			continue
		}

		attempt = 0
		w.metrics.Connects.Inc()
		w.setState(Connected)
		log.Info().Int("buffered", w.buffer.Len()).Msg("Connected to broker, delivering")

		delivered, err := w.deliver(ctx, lost)
		w.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		if delivered > 0 {
			failures = 0
		}
		if !errors.Is(err, ErrPublish) {
			log.Warn().Err(err).Int("buffered", w.buffer.Len()).Msg("Broker connection down, buffering")
			continue
		}

		// the broker may keep rejecting the same record while the
		// connection stays up
		failures++
		delay := w.config.Backoff.Delay(failures)
		log.Warn().Err(err).Int("failures", failures).Int("buffered", w.buffer.Len()).
			Msgf("Publish failed, reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(delay):
		}
	}
}

// deliver publishes records until the connection is lost, a publish
// fails or ctx is done. It returns the number of records published and
// the reason it stopped.
func (w *Worker) deliver(ctx context.Context, lost <-chan error) (int, error) {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case err, ok := <-lost:
			if !ok || err == nil {
				cancel(ErrConnectionLost)
				return
			}
			cancel(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		case <-connCtx.Done():
		}
	}()

	delivered := 0
	for {
		rec, err := w.buffer.Dequeue(connCtx)
		if err != nil {
			return delivered, err
		}

		payload, err := w.encode(rec)
		if err != nil {
			w.metrics.EncodeErrors.Inc()
			log.Error().Err(err).Str("serial", rec.RoutingKey).Msgf("Dropping record captured at %d", rec.Timestamp())
			continue
		}

		topic := events.Topic(w.config.Topic, rec.RoutingKey)
		if err := w.publish(connCtx, topic, payload); err != nil {
			w.metrics.PublishErrors.Inc()
			if !w.buffer.PushFront(rec) {
				w.metrics.Dropped.Inc()
				log.Warn().Msgf("Buffer full, dropped record captured at %d", rec.Timestamp())
			}
			if cause := context.Cause(connCtx); cause != nil {
				return delivered, cause
			}
			return delivered, err
		}
		delivered++
		w.metrics.Published.Inc()
		log.Debug().Msgf("Published to %s: %s", topic, payload)
	}
}

func (w *Worker) publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.PublishTimeout)
	defer cancel()

	start := w.clock.Now()
	if err := w.transport.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}
	w.metrics.PublishTime.Observe(w.clock.Now().Sub(start).Seconds())
	return nil
}

func (w *Worker) shutdown() {
	w.setState(Disconnected)
	if n := w.buffer.Len(); n > 0 {
		log.Warn().Int("buffered", n).Msg("Discarding undelivered records")
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.config.DisconnectTimeout)
	defer cancel()
	if err := w.transport.Disconnect(ctx); err != nil {
		log.Error().Msgf("Failed to disconnect from broker: %s", err)
	}
}
