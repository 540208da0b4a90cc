package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Lalufu/solaredge-mqtt/events"
	"github.com/Lalufu/solaredge-mqtt/internal/buffer"
	"github.com/Lalufu/solaredge-mqtt/internal/clock"
	"github.com/Lalufu/solaredge-mqtt/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic   string
	payload []byte
}

// fakeTransport lets a test decide when connections come up, when they
// drop and which publishes fail.
type fakeTransport struct {
	mu          sync.Mutex
	up          chan struct{}
	connectErrs []error
	lost        chan error
	failNext    int
	onPublish   func()
	connects    int
	published   []message
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{up: make(chan struct{}, 100)}
}

// allow lets n connection attempts succeed.
func (f *fakeTransport) allow(n int) {
	for i := 0; i < n; i++ {
		f.up <- struct{}{}
	}
}

func (f *fakeTransport) Connect(ctx context.Context) (<-chan error, error) {
	f.mu.Lock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	select {
	case <-f.up:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.lost = make(chan error, 1)
	return f.lost, nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.onPublish != nil {
		f.onPublish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker gone")
	}
	f.published = append(f.published, message{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost <- errors.New("keepalive timeout")
}

func (f *fakeTransport) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.published...)
}

// timestamps returns the capture time of every published message.
func (f *fakeTransport) timestamps() []int64 {
	var out []int64
	for _, m := range f.messages() {
		var msg map[string]any
		if err := json.Unmarshal(m.payload, &msg); err != nil {
			panic(err)
		}
		out = append(out, int64(msg[events.TimestampField].(float64)))
	}
	return out
}

func record(seq int) events.Record {
	return events.Record{
		CaptureTime: time.UnixMilli(int64(seq)),
		Payload:     events.Snapshot{"c_serialnumber": "7E1", "seq": seq},
		RoutingKey:  "7E1",
	}
}

type fixture struct {
	transport *fakeTransport
	buffer    *buffer.Buffer[events.Record]
	metrics   *metrics.Metrics
	worker    *Worker
	cancel    context.CancelFunc
	done      chan error
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	buf, err := buffer.New[events.Record](capacity, buffer.DropOldest)
	require.NoError(t, err)
	f := &fixture{
		transport: newFakeTransport(),
		buffer:    buf,
		metrics:   metrics.Discard(),
		done:      make(chan error, 1),
	}
	f.worker = NewWorker(Config{
		Topic:   "solaredge-mqtt/tele/{serial}/SENSOR",
		Backoff: Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
	}, f.transport, buf, nil, f.metrics)
	return f
}

func (f *fixture) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (f *fixture) waitPublished(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.transport.messages()) >= n },
		2*time.Second, time.Millisecond, "expected %d published messages", n)
}

func (f *fixture) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.worker.State() == s },
		2*time.Second, time.Millisecond, "expected state %s", s)
}

func TestDeliversInOrder(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.allow(1)
	f.start(t)

	for i := 1; i <= 5; i++ {
		f.buffer.Enqueue(record(i))
	}
	f.waitPublished(t, 5)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, f.transport.timestamps())
	assert.Equal(t, "solaredge-mqtt/tele/7E1/SENSOR", f.transport.messages()[0].topic)
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.Published))
	assert.Equal(t, Connected, f.worker.State())
}

func TestOutageScenario(t *testing.T) {
	// capacity 5, ten samples while the broker is unreachable
	f := newFixture(t, 5)
	f.start(t)
	f.waitState(t, Connecting)

	for i := 1; i <= 10; i++ {
		f.buffer.Enqueue(record(i))
	}
	assert.Empty(t, f.transport.messages())
	assert.Equal(t, 5, f.buffer.Len())

	f.transport.allow(1)
	f.waitPublished(t, 5)
	f.buffer.Enqueue(record(11))
	f.waitPublished(t, 6)

	assert.Equal(t, []int64{6, 7, 8, 9, 10, 11}, f.transport.timestamps())
}

func TestPublishFailureRetriesSameRecord(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.allow(1)
	f.start(t)

	f.buffer.Enqueue(record(1))
	f.waitPublished(t, 1)

	f.transport.mu.Lock()
	f.transport.failNext = 1
	f.transport.mu.Unlock()

	f.buffer.Enqueue(record(2))
	f.buffer.Enqueue(record(3))
	f.waitState(t, Connecting)

	// record 2 is back at the head and must go first
	assert.Equal(t, 2, f.buffer.Len())
	f.transport.allow(1)
	f.waitPublished(t, 3)

	assert.Equal(t, []int64{1, 2, 3}, f.transport.timestamps())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Connects))
}

func TestRejectedPublishBacksOff(t *testing.T) {
	f := newFixture(t, 10)
	clk := clock.Fake(time.Unix(1000, 0))
	f.worker.clock = clk
	f.transport.allow(100)
	f.transport.failNext = math.MaxInt
	f.start(t)

	f.buffer.Enqueue(record(1))

	// every rejected publish is followed by a growing pause before the
	// next connect
	backoff := f.worker.config.Backoff
	for i := 1; i <= 4; i++ {
		clk.WaitForTimers(1)
		assert.Equal(t, i, f.transport.connectCount())
		assert.Equal(t, float64(i), testutil.ToFloat64(f.metrics.PublishErrors))
		assert.Never(t, func() bool { return f.transport.connectCount() > i },
			20*time.Millisecond, time.Millisecond)
		clk.Advance(backoff.Delay(i))
	}

	// the broker accepts again; the record is still at the head
	clk.WaitForTimers(1)
	f.transport.mu.Lock()
	f.transport.failNext = 0
	f.transport.mu.Unlock()
	clk.Advance(backoff.Delay(5))
	f.waitPublished(t, 1)
	assert.Equal(t, []int64{1}, f.transport.timestamps())

	// a success resets the pause to the minimum
	f.transport.mu.Lock()
	f.transport.failNext = 1
	f.transport.mu.Unlock()
	f.buffer.Enqueue(record(2))
	clk.WaitForTimers(1)
	clk.Advance(backoff.Min)
	f.waitPublished(t, 2)
	assert.Equal(t, []int64{1, 2}, f.transport.timestamps())
}

func TestPublishDurationUsesClock(t *testing.T) {
	f := newFixture(t, 10)
	clk := clock.Fake(time.Unix(1000, 0))
	f.worker.clock = clk
	f.transport.onPublish = func() { clk.Advance(250 * time.Millisecond) }
	f.transport.allow(1)
	f.start(t)

	f.buffer.Enqueue(record(1))
	f.waitPublished(t, 1)

	var m dto.Metric
	require.Eventually(t, func() bool {
		if err := f.metrics.PublishTime.Write(&m); err != nil {
			return false
		}
		return m.GetHistogram().GetSampleCount() == 1
	}, 2*time.Second, time.Millisecond)
	assert.InDelta(t, 0.25, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestConnectionLossStopsDraining(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.allow(1)
	f.start(t)
	f.waitState(t, Connected)

	f.transport.drop()
	f.waitState(t, Connecting)

	f.buffer.Enqueue(record(1))
	f.buffer.Enqueue(record(2))
	assert.Never(t, func() bool { return len(f.transport.messages()) > 0 },
		50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, f.buffer.Len())

	f.transport.allow(1)
	f.waitPublished(t, 2)
	assert.Equal(t, []int64{1, 2}, f.transport.timestamps())
}

func TestConnectRetries(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.connectErrs = []error{errors.New("refused"), errors.New("refused"), errors.New("refused")}
	f.transport.allow(1)
	f.start(t)

	f.buffer.Enqueue(record(1))
	f.waitPublished(t, 1)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	assert.Equal(t, 1, f.transport.connects)
}

func TestEncodeFailureDropsRecord(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.allow(1)
	f.start(t)

	bad := record(2)
	bad.Payload = events.Snapshot{"power_ac": math.Inf(1)}
	f.buffer.Enqueue(record(1))
	f.buffer.Enqueue(bad)
	f.buffer.Enqueue(record(3))
	f.waitPublished(t, 2)

	assert.Equal(t, []int64{1, 3}, f.transport.timestamps())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EncodeErrors))
	assert.Equal(t, Connected, f.worker.State())
}

func TestShutdownDisconnects(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.allow(1)
	f.start(t)
	f.waitState(t, Connected)

	f.cancel()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	f.done <- nil

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	assert.True(t, f.transport.closed)
	assert.Equal(t, Disconnected, f.worker.State())
}

func TestShutdownWhileConnecting(t *testing.T) {
	f := newFixture(t, 10)
	f.start(t)
	f.waitState(t, Connecting)
	f.cancel()

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	f.done <- nil
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(100))
}
