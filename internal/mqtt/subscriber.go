package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/relayalert/internal/config"
	"github.com/nugget/relayalert/internal/events"
)

// MessageHandler is called for each MQTT message received on the
// status topic. It runs on paho's receive goroutine.
type MessageHandler func(topic string, payload []byte)

// session is the part of [autopaho.ConnectionManager] the subscriber
// uses once connected.
type session interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Subscriber owns the broker connection and the single status topic
// subscription.
type Subscriber struct {
	cfg      config.MQTTConfig
	clientID string
	handler  MessageHandler
	bus      *events.Bus
	logger   *slog.Logger
	limiter  *messageRateLimiter

	mu         sync.Mutex
	cm         *autopaho.ConnectionManager
	sess       session
	paused     bool
	subscribed bool
	stopConn   context.CancelFunc
	gaveUp     bool
}

// NewSubscriber creates a Subscriber but does not connect. Call
// [Subscriber.Start] to connect. bus may be nil.
func NewSubscriber(cfg config.MQTTConfig, clientID string, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:      cfg,
		clientID: clientID,
		handler:  handler,
		bus:      bus,
		logger:   logger,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = newMessageRateLimiter(int64(cfg.RateLimitPerMin), time.Minute, logger)
	}
	return s
}

// Start connects to the broker and blocks until ctx is cancelled. It
// only returns an error for configuration problems; connection failures
// are logged and leave the process running without a subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopConn = cancel
	s.mu.Unlock()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(s.cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               s.cfg.Username,
		ConnectPassword:               []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connack *paho.Connack) {
			s.onConnectionUp(connCtx, cm, connack)
		},
		OnConnectError: s.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if topic := s.cfg.AvailabilityTopic; topic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   topic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	s.logger.Info("connecting to mqtt broker",
		"broker", s.cfg.Broker,
		"client_id", s.clientID,
		"keep_alive", s.cfg.KeepAlive().String(),
	)

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.mu.Lock()
	s.cm = cm
	s.mu.Unlock()

	if s.limiter != nil {
		go s.limiter.start(ctx)
	}

	<-ctx.Done()
	return nil
}

// onConnectionUp subscribes after an accepted CONNACK. A non-zero
// reason code means the broker refused the session and no subscription
// is attempted.
func (s *Subscriber) onConnectionUp(ctx context.Context, sess session, connack *paho.Connack) {
	if connack != nil && connack.ReasonCode != 0 {
		s.connectRefused(connack.ReasonCode, nil)
		return
	}

	s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
	s.bus.Emit(events.SourceMQTT, events.KindConnected, map[string]any{
		"broker": s.cfg.Broker,
		"topic":  s.cfg.Topic,
	})

	s.mu.Lock()
	s.sess = sess
	paused := s.paused
	s.mu.Unlock()

	s.publishAvailability(ctx, sess, "online")

	if paused {
		s.logger.Info("mqtt subscription deferred until cooldown ends", "topic", s.cfg.Topic)
		return
	}
	if err := s.subscribe(ctx, sess); err != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
	}
}

// onConnectError handles a failed connection attempt. When reconnect is
// disabled the connection manager is stopped after the first failure.
func (s *Subscriber) onConnectError(err error) {
	var connackErr *autopaho.ConnackError
	if errors.As(err, &connackErr) {
		s.connectRefused(connackErr.ReasonCode, err)
	} else {
		s.logger.Warn("mqtt connection error", "broker", s.cfg.Broker, "error", err)
		s.bus.Emit(events.SourceMQTT, events.KindConnectFailed, map[string]any{
			"broker": s.cfg.Broker,
			"error":  err.Error(),
		})
	}

	if s.cfg.Reconnect {
		return
	}

	s.mu.Lock()
	stop := s.stopConn
	already := s.gaveUp
	s.gaveUp = true
	s.mu.Unlock()

	if already {
		return
	}
	s.logger.Warn("mqtt reconnect disabled, staying idle without a subscription",
		"broker", s.cfg.Broker)
	if stop != nil {
		stop()
	}
}

func (s *Subscriber) connectRefused(code byte, err error) {
	fields := []any{
		"broker", s.cfg.Broker,
		"reason_code", code,
	}
	data := map[string]any{
		"broker":      s.cfg.Broker,
		"reason_code": int(code),
	}
	if err != nil {
		fields = append(fields, "error", err)
		data["error"] = err.Error()
	}
	s.logger.Error("mqtt connection refused", fields...)
	s.bus.Emit(events.SourceMQTT, events.KindConnectFailed, data)
}

func (s *Subscriber) subscribe(ctx context.Context, sess session) error {
	suback, err := sess.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: s.cfg.Topic, QoS: 0},
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	if suback != nil && len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscribe %s: refused with reason code %d", s.cfg.Topic, suback.Reasons[0])
	}

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	s.logger.Info("mqtt subscribed", "topic", s.cfg.Topic)
	s.bus.Emit(events.SourceMQTT, events.KindSubscribed, map[string]any{
		"topic": s.cfg.Topic,
	})
	return nil
}

// Pause drops the status topic subscription. Messages already in
// flight still reach the handler, which is expected to discard them.
// Pausing while disconnected only records the state; the next
// connection will not subscribe until Resume.
func (s *Subscriber) Pause(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	sess := s.sess
	wasSubscribed := s.subscribed
	s.subscribed = false
	s.mu.Unlock()

	if sess == nil || !wasSubscribed {
		return nil
	}

	if _, err := sess.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{s.cfg.Topic}}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.cfg.Topic, err)
	}

	s.logger.Info("mqtt subscription paused", "topic", s.cfg.Topic)
	s.bus.Emit(events.SourceMQTT, events.KindUnsubscribed, map[string]any{
		"topic": s.cfg.Topic,
	})
	return nil
}

// Resume restores the status topic subscription. Resuming while
// disconnected only records the state; the next connection subscribes.
func (s *Subscriber) Resume(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	sess := s.sess
	subscribed := s.subscribed
	s.mu.Unlock()

	if sess == nil || subscribed {
		return nil
	}
	return s.subscribe(ctx, sess)
}

// Paused reports whether the subscription is paused.
func (s *Subscriber) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Subscribed reports whether the status topic subscription is active.
func (s *Subscriber) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// dispatch forwards a received message to the handler after topic and
// rate checks.
func (s *Subscriber) dispatch(topic string, payload []byte) {
	if topic != s.cfg.Topic {
		s.logger.Debug("mqtt message on unexpected topic ignored", "topic", topic)
		return
	}
	if s.limiter != nil && !s.limiter.allow() {
		return
	}
	s.handler(topic, payload)
}

func (s *Subscriber) publishAvailability(ctx context.Context, sess session, status string) {
	topic := s.cfg.AvailabilityTopic
	if topic == "" || sess == nil {
		return
	}
	if _, err := sess.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Debug("mqtt availability published", "status", status)
	}
}

// Stop publishes "offline" (when an availability topic is configured)
// and disconnects. It is best effort: the first error is returned but
// the connection context is always cancelled.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	sess := s.sess
	stop := s.stopConn
	s.mu.Unlock()

	if stop != nil {
		defer stop()
	}
	if cm == nil {
		return nil
	}
	s.publishAvailability(ctx, sess, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	gaveUp := s.gaveUp
	s.mu.Unlock()

	if gaveUp {
		return errors.New("mqtt connection abandoned (reconnect disabled)")
	}
	if cm == nil {
		return errors.New("mqtt subscriber not started")
	}
	return cm.AwaitConnection(ctx)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// logs a warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and reports whether the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
