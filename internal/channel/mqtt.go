package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"weathersync/internal/config"
	"weathersync/internal/envelope"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second
)

// MQTT maps the channel onto a broker: every path is a topic under the
// configured prefix and items are retained messages, so a subscriber always
// gets the current item for a path. An empty retained message deletes it.
type MQTT struct {
	client         mqtt.Client
	prefix         string
	connectTimeout time.Duration
	logger         *slog.Logger
	breaker        *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	connected bool
	subs      map[string]Handler

	// ready is closed after the first OnConnect has subscribed.
	ready     chan struct{}
	readyOnce sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMQTT(cfg config.Config, clientID string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	t := &MQTT{
		prefix:         cfg.MQTTTopicPrefix,
		connectTimeout: cfg.MQTTConnectTimeout,
		logger:         logger.With("client_id", clientID),
		subs:           make(map[string]Handler),
		ready:          make(chan struct{}),
		stopCh:         make(chan struct{}),
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(clientID)

	// Retained items carry state, the session does not.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		t.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		t.onConnect(c)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.setConnected(false)
		t.logger.Warn("mqtt connection lost", "error", err)
	})

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect waits for the initial broker connection and its subscriptions,
// bounded by the configured connect timeout, ctx and Disconnect. Paho runs
// OnConnect on its own goroutine after the connect token completes, so the
// token alone does not mean puts will be accepted.
func (t *MQTT) Connect(ctx context.Context) error {
	select {
	case <-t.stopCh:
		return fmt.Errorf("%w: client stopped", ErrTransportUnavailable)
	default:
	}

	if t.IsConnected() {
		return nil
	}

	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	// With ConnectRetry the token may stay pending while paho keeps retrying.
	token := t.client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			return connectErr(ctx.Err())
		case <-t.stopCh:
			return fmt.Errorf("%w: client stopped", ErrTransportUnavailable)
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: mqtt connect: %v", ErrTransportUnavailable, err)
	}

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return connectErr(ctx.Err())
	case <-t.stopCh:
		return fmt.Errorf("%w: client stopped", ErrTransportUnavailable)
	}
}

func connectErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: mqtt connect: %v", ErrTransportUnavailable, err)
	}
	return err
}

// onConnect runs on every (re)connect. The link counts as up before the
// subscriptions are re-made so a concurrent Subscribe is never lost.
func (t *MQTT) onConnect(c mqtt.Client) {
	t.setConnected(true)
	t.resubscribe(c)
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *MQTT) Put(ctx context.Context, path string, env envelope.Envelope) error {
	payload, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return t.publish(ctx, path, payload)
}

func (t *MQTT) Delete(ctx context.Context, path string) error {
	return t.publish(ctx, path, nil)
}

func (t *MQTT) publish(ctx context.Context, path string, payload []byte) error {
	if !t.IsConnected() {
		return fmt.Errorf("%w: mqtt client not connected", ErrTransportUnavailable)
	}

	topic := t.topicFor(path)
	_, err := t.breaker.Execute(func() (interface{}, error) {
		token := t.client.Publish(topic, qos, true, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(publishTimeout):
			return nil, fmt.Errorf("publish timeout for topic %s", topic)
		}
		return nil, token.Error()
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		t.logger.Error("mqtt publish failed", "topic", topic, "error", err)
		return fmt.Errorf("%w: publish %s: %v", ErrTransportUnavailable, topic, err)
	}

	t.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload))
	return nil
}

// Subscribe registers h for path. The subscription is made now when
// connected and re-made on every reconnect.
func (t *MQTT) Subscribe(path string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s: nil handler", path)
	}
	t.mu.Lock()
	t.subs[path] = h
	t.mu.Unlock()

	if !t.IsConnected() {
		return nil
	}
	return t.subscribe(t.client, path, h)
}

func (t *MQTT) subscribe(c mqtt.Client, path string, h Handler) error {
	topic := t.topicFor(path)
	token := c.Subscribe(topic, qos, t.messageHandler(h))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: subscribe timeout for topic %s", ErrTransportUnavailable, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, topic, err)
	}
	t.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (t *MQTT) resubscribe(c mqtt.Client) {
	t.mu.RLock()
	subs := make(map[string]Handler, len(t.subs))
	for path, h := range t.subs {
		subs[path] = h
	}
	t.mu.RUnlock()

	for path, h := range subs {
		if err := t.subscribe(c, path, h); err != nil {
			t.logger.Error("mqtt resubscribe failed", "path", path, "error", err)
		}
	}
}

// messageHandler turns broker messages into events. Undecodable payloads are
// dropped here so handlers only ever see well-formed envelopes. The broker
// sets the retain flag only when replaying a stored item to a new
// subscription; live publishes arrive without it.
func (t *MQTT) messageHandler(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		path := t.pathFor(msg.Topic())
		payload := msg.Payload()
		if len(payload) == 0 {
			h(Event{Path: path, Type: ChangeDeleted, Retained: msg.Retained()})
			return
		}
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			t.logger.Warn("dropping undecodable message", "topic", msg.Topic(), "error", err)
			return
		}
		h(Event{Path: path, Type: ChangeChanged, Envelope: env, Retained: msg.Retained()})
	}
}

func (t *MQTT) topicFor(path string) string {
	return t.prefix + path
}

func (t *MQTT) pathFor(topic string) string {
	return strings.TrimPrefix(topic, t.prefix)
}

func (t *MQTT) IsConnected() bool {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	return connected && t.client.IsConnected()
}

// Disconnect removes the subscriptions and closes the connection. It is
// idempotent; after it Connect fails.
func (t *MQTT) Disconnect() {
	t.stopOnce.Do(func() {
		close(t.stopCh)

		t.mu.Lock()
		topics := make([]string, 0, len(t.subs))
		for path := range t.subs {
			topics = append(topics, t.topicFor(path))
		}
		t.subs = make(map[string]Handler)
		t.mu.Unlock()

		if t.IsConnected() && len(topics) > 0 {
			t.client.Unsubscribe(topics...).WaitTimeout(time.Second)
		}
		t.client.Disconnect(250)
		t.setConnected(false)
		t.logger.Info("mqtt disconnected")
	})
}

func (t *MQTT) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}
