package telemetry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/unph4914/RTES-Final-Project/internal/timing"
)

func sampleRecord(service string, changed bool) Record {
	rec := Record{
		RunID:       "run-1",
		Service:     service,
		Priority:    98,
		Invocation:  3,
		Release:     3,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Elapsed:     timing.Stamp{Nsec: 1_500_000},
		ElapsedNsec: 1_500_000,
	}
	rec.SetWCET(timing.Stamp{Sec: 0, Nsec: 2_345_678}, changed)
	return rec
}

func TestRecordSetWCET(t *testing.T) {
	rec := sampleRecord("camera", true)
	assert.Equal(t, rec.WCETSec, int64(0))
	assert.Equal(t, rec.WCETMsec, int64(2))
	assert.Equal(t, rec.WCETUsec, int64(2345))
	assert.Equal(t, rec.WCETNsec, int64(2_345_678))
	assert.Equal(t, rec.WCET(), timing.Stamp{Nsec: 2_345_678})
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewLogRecorder(logger)

	r.Record(sampleRecord("motor", false))
	assert.Assert(t, is.Contains(buf.String(), "service invocation"))
	assert.Assert(t, !strings.Contains(buf.String(), "wcet updated"))

	buf.Reset()
	r.Record(sampleRecord("motor", true))
	assert.Assert(t, is.Contains(buf.String(), "wcet updated"))
	assert.Assert(t, is.Contains(buf.String(), "wcet_usec=2345"))
}

func TestFanout(t *testing.T) {
	var got []string
	f := Fanout{
		RecorderFunc(func(r Record) { got = append(got, "a:"+r.Service) }),
		Nop,
		RecorderFunc(func(r Record) { got = append(got, "b:"+r.Service) }),
	}
	f.Record(sampleRecord("sensor", false))
	assert.DeepEqual(t, got, []string{"a:sensor", "b:sensor"})
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) snapshot() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMQTTRecorderPublishesMsgpack(t *testing.T) {
	pub := &fakePublisher{}
	r := NewMQTTRecorder(pub, MQTTOptions{Topic: "parking/timing", QoS: 1, QueueSize: 8}, quietLogger())
	r.Start()

	r.Record(sampleRecord("camera", true))
	r.Record(sampleRecord("sensor", false))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NilError(t, r.Close(ctx))

	calls := pub.snapshot()
	assert.Assert(t, is.Len(calls, 2))
	assert.Equal(t, calls[0].topic, "parking/timing/camera")
	assert.Equal(t, calls[0].qos, byte(1))
	assert.Equal(t, calls[1].topic, "parking/timing/sensor")

	var decoded Record
	assert.NilError(t, msgpack.Unmarshal(calls[0].payload, &decoded))
	assert.Equal(t, decoded.Service, "camera")
	assert.Equal(t, decoded.WCETNsec, int64(2_345_678))
	assert.Equal(t, decoded.ElapsedNsec, int64(1_500_000))
	assert.Assert(t, decoded.WCETChanged)

	assert.Equal(t, r.Stats(), MQTTStats{Published: 2})
}

func TestMQTTRecorderDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	r := NewMQTTRecorder(pub, MQTTOptions{Topic: "t", QueueSize: 1}, quietLogger())

	// Not started: the queue fills and further records are dropped.
	r.Record(sampleRecord("camera", false))
	r.Record(sampleRecord("camera", false))
	r.Record(sampleRecord("camera", false))
	assert.Equal(t, r.Stats().Dropped, uint64(2))

	r.Start()
	assert.NilError(t, r.Close(context.Background()))
	assert.Equal(t, r.Stats().Published, uint64(1))
}

func TestMQTTRecorderCountsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	r := NewMQTTRecorder(pub, MQTTOptions{Topic: "t"}, quietLogger())
	r.Start()
	r.Record(sampleRecord("motor", false))
	assert.NilError(t, r.Close(context.Background()))

	assert.Equal(t, r.Stats(), MQTTStats{Errors: 1})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestServerEndpoints(t *testing.T) {
	m := NewMetrics()
	s := NewServer("127.0.0.1:0", "pi-parking", "run-1", m.Registry(), quietLogger())
	h := s.Handler()

	code, body := get(t, h, "/health")
	assert.Equal(t, code, http.StatusOK)
	assert.Assert(t, is.Contains(body, `"alive"`))

	code, body = get(t, h, "/readiness")
	assert.Equal(t, code, http.StatusServiceUnavailable)
	var st HealthStatus
	assert.NilError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, st.Status, "starting")
	assert.Equal(t, st.RunID, "run-1")

	s.SetReady()
	code, _ = get(t, h, "/readiness")
	assert.Equal(t, code, http.StatusOK)

	s.SetStopping()
	code, body = get(t, h, "/readiness")
	assert.Equal(t, code, http.StatusServiceUnavailable)
	assert.Assert(t, is.Contains(body, `"stopping"`))
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.Record(sampleRecord("camera", true))
	m.Record(sampleRecord("camera", false))
	m.Released("camera")
	m.CycleCompleted(1, time.Millisecond, 2*time.Millisecond)
	m.SleepInterrupted(time.Millisecond)
	m.RetryBoundReached()

	s := NewServer(":0", "pi-parking", "run-1", m.Registry(), quietLogger())
	code, body := get(t, s.Handler(), "/metrics")
	assert.Equal(t, code, http.StatusOK)

	for _, want := range []string{
		`parking_service_invocations_total{service="camera"} 2`,
		`parking_service_wcet_seconds{service="camera"} 0.002345678`,
		`parking_sequencer_releases_total{service="camera"} 1`,
		`parking_sequencer_cycles_total 1`,
		`parking_sequencer_sleep_interruptions_total 1`,
		`parking_sequencer_sleep_retry_exhaustions_total 1`,
		`parking_sequencer_cycle_lateness_max_seconds 0.002`,
	} {
		assert.Assert(t, is.Contains(body, want))
	}
}

func TestConnectMQTTFailureStopsRetrying(t *testing.T) {
	var (
		attempts atomic.Int32
		client   mqtt.Client
	)
	orig := newMQTTClient
	newMQTTClient = func(o *mqtt.ClientOptions) mqtt.Client {
		o.SetConnectionAttemptHandler(func(_ *url.URL, cfg *tls.Config) *tls.Config {
			attempts.Add(1)
			return cfg
		})
		client = mqtt.NewClient(o)
		return client
	}
	t.Cleanup(func() { newMQTTClient = orig })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	// nothing listens on port 1: every attempt is refused
	_, err := ConnectMQTT(ctx, ConnectOptions{
		Broker:        "127.0.0.1:1",
		ClientID:      "test",
		RetryInterval: 10 * time.Millisecond,
	}, quietLogger())
	assert.ErrorContains(t, err, "mqtt connect")
	assert.Check(t, errors.Is(err, context.DeadlineExceeded))
	assert.Check(t, attempts.Load() >= 1)
	assert.Check(t, !client.IsConnected())

	// one attempt may already be in flight when Disconnect lands
	settled := attempts.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Check(t, attempts.Load() <= settled+1, "attempts=%d settled=%d", attempts.Load(), settled)
}

func TestConnectMQTTTimeout(t *testing.T) {
	_, err := ConnectMQTT(context.Background(), ConnectOptions{
		Broker:        "127.0.0.1:1",
		ClientID:      "test",
		Timeout:       50 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}, quietLogger())
	assert.ErrorContains(t, err, "mqtt connection timeout after 50ms")
}

func TestQueueNeverBlocksTheCaller(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []uint64
	)
	slow := RecorderFunc(func(rec Record) {
		<-gate
		mu.Lock()
		seen = append(seen, rec.Invocation)
		mu.Unlock()
	})

	q := NewQueue(slow, 2, quietLogger())
	q.Start()

	start := time.Now()
	for i := uint64(1); i <= 10; i++ {
		rec := sampleRecord("camera", false)
		rec.Invocation = i
		q.Record(rec)
	}
	assert.Check(t, time.Since(start) < time.Second)

	// one record is held by the blocked forwarder, two are queued
	assert.Check(t, q.Dropped() >= 7, "dropped=%d", q.Dropped())

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, q.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Check(t, is.Equal(uint64(len(seen)), q.Forwarded()))
	assert.Check(t, is.Equal(q.Forwarded()+q.Dropped(), uint64(10)))
	assert.Check(t, is.Equal(seen[0], uint64(1)))
}

func TestQueueFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	q := NewQueue(NewLogRecorder(logger), 16, quietLogger())
	q.Start()
	q.Record(sampleRecord("motor", false))
	q.Record(sampleRecord("sensor", false))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, q.Close(ctx))

	assert.Check(t, is.Equal(q.Forwarded(), uint64(2)))
	assert.Check(t, is.Contains(buf.String(), "service=motor"))
	assert.Check(t, is.Contains(buf.String(), "service=sensor"))
}
