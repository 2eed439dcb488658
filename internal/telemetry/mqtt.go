package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client the recorder needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures an MQTTRecorder.
type MQTTOptions struct {
	Topic     string // records go to Topic/<service>
	QoS       byte
	QueueSize int
}

// MQTTStats is a snapshot of the recorder counters.
type MQTTStats struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// MQTTRecorder publishes records as msgpack to an MQTT broker.
//
// Record never blocks: records go into a bounded queue drained by a
// publisher goroutine, and a full queue drops the record. A service thread
// running under SCHED_FIFO must never wait on the network.
type MQTTRecorder struct {
	client Publisher
	opts   MQTTOptions
	logger *slog.Logger

	queue chan Record
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTRecorder creates a recorder. Call Start before recording.
func NewMQTTRecorder(client Publisher, opts MQTTOptions, logger *slog.Logger) *MQTTRecorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTRecorder{
		client: client,
		opts:   opts,
		logger: logger.With("component", "mqtt-recorder"),
		queue:  make(chan Record, opts.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Record enqueues rec, dropping it if the queue is full.
func (m *MQTTRecorder) Record(rec Record) {
	select {
	case m.queue <- rec:
	default:
		m.dropped.Add(1)
	}
}

// Start launches the publisher goroutine.
func (m *MQTTRecorder) Start() {
	go m.drain()
}

// Close stops the publisher after flushing whatever is already queued, or
// when ctx expires.
func (m *MQTTRecorder) Close(ctx context.Context) error {
	m.once.Do(func() { close(m.quit) })

	select {
	case <-m.done:
		stats := m.Stats()
		m.logger.Info("mqtt recorder stopped",
			"published", stats.Published,
			"dropped", stats.Dropped,
			"errors", stats.Errors,
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt recorder close: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (m *MQTTRecorder) Stats() MQTTStats {
	return MQTTStats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Errors:    m.errors.Load(),
	}
}

func (m *MQTTRecorder) drain() {
	defer close(m.done)

	for {
		select {
		case rec := <-m.queue:
			m.publish(rec)
		case <-m.quit:
			for {
				select {
				case rec := <-m.queue:
					m.publish(rec)
				default:
					return
				}
			}
		}
	}
}

func (m *MQTTRecorder) publish(rec Record) {
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		m.errors.Add(1)
		m.logger.Error("failed to encode record", "service", rec.Service, "error", err)
		return
	}

	topic := m.opts.Topic + "/" + rec.Service
	token := m.client.Publish(topic, m.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.errors.Add(1)
		m.logger.Warn("publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		m.logger.Warn("publish failed", "topic", topic, "error", err)
		return
	}

	m.published.Add(1)
	m.logger.Debug("record published", "topic", topic, "size", len(payload))
}

// ConnectOptions configures the MQTT client.
type ConnectOptions struct {
	Broker        string // host:port
	ClientID      string
	Timeout       time.Duration // default 5s
	RetryInterval time.Duration // default 2s
	MaxReconnect  time.Duration // default 30s
}

// newMQTTClient is replaced in tests to observe the client.
var newMQTTClient = mqtt.NewClient

// ConnectMQTT dials the broker with auto-reconnect enabled. When the first
// connection does not complete the client is disconnected before
// returning, so no retry keeps running in the background.
func ConnectMQTT(ctx context.Context, co ConnectOptions, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if co.Timeout <= 0 {
		co.Timeout = 5 * time.Second
	}
	if co.RetryInterval <= 0 {
		co.RetryInterval = 2 * time.Second
	}
	if co.MaxReconnect <= 0 {
		co.MaxReconnect = 30 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", co.Broker))
	opts.SetClientID(co.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(co.RetryInterval)
	opts.SetMaxReconnectInterval(co.MaxReconnect)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", co.Broker, "client_id", co.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", co.Broker, "error", err)
	}

	client := newMQTTClient(opts)
	logger.Info("connecting to mqtt broker", "broker", co.Broker)

	timer := time.NewTimer(co.Timeout)
	defer timer.Stop()

	var err error
	token := client.Connect()
	select {
	case <-token.Done():
		if terr := token.Error(); terr != nil {
			err = fmt.Errorf("mqtt connection failed: %w", terr)
		}
	case <-ctx.Done():
		err = fmt.Errorf("mqtt connect: %w", ctx.Err())
	case <-timer.C:
		err = fmt.Errorf("mqtt connection timeout after %s", co.Timeout)
	}
	if err != nil {
		client.Disconnect(0)
		return nil, err
	}

	return client, nil
}
