// Package alert turns relay status messages into SMS alerts.
//
// A [Monitor] receives every payload published on the status topic. When
// the payload text equals the trigger it sends one alert through its
// [Notifier] and then suspends processing for a cooldown window. While
// suspended the monitor asks its [Source] to stop delivering messages,
// and anything that still arrives is dropped. Nothing is queued for
// later: when the cooldown ends the monitor resumes with whatever the
// device publishes next.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/relayalert/internal/config"
	"github.com/nugget/relayalert/internal/events"
)

// ErrInvalidPayload is returned by [Decode] for payloads that are not
// valid UTF-8 text.
var ErrInvalidPayload = errors.New("payload is not valid UTF-8")

// sourceTimeout bounds Pause and Resume calls against the broker.
const sourceTimeout = 10 * time.Second

// A failed Resume is retried with exponential backoff between these
// bounds until it succeeds or the monitor is closed.
const (
	resumeRetryInitial = time.Second
	resumeRetryMax     = 30 * time.Second
)

// Alert is the fixed message sent when the trigger matches. It does
// not depend on the payload.
type Alert struct {
	From string
	To   string
	Body string
}

// Notifier delivers an alert. It returns the provider's message ID.
type Notifier interface {
	Notify(ctx context.Context, a Alert) (string, error)
}

// Source is the subscription feeding the monitor. Pause stops delivery
// for the cooldown window and Resume restarts it.
type Source interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Config controls trigger matching and the cooldown.
type Config struct {
	// Trigger is compared against the decoded payload by exact equality.
	Trigger string
	// Alert is the message handed to the notifier.
	Alert Alert
	// Cooldown is how long processing stays suspended after a trigger.
	// Zero disables the cooldown.
	Cooldown time.Duration
	// NotifyTimeout bounds a single Notify call. Zero means 30s.
	NotifyTimeout time.Duration
}

// ConfigFrom builds a monitor Config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Trigger: cfg.Alert.Trigger,
		Alert: Alert{
			From: cfg.Twilio.From,
			To:   cfg.Twilio.To,
			Body: cfg.Alert.Body,
		},
		Cooldown:      cfg.Alert.Cooldown(),
		NotifyTimeout: cfg.Alert.NotifyTimeout(),
	}
}

// Stats is a point-in-time snapshot of monitor counters.
type Stats struct {
	Received     int64     `json:"received"`
	Dropped      int64     `json:"dropped"`
	DecodeErrors int64     `json:"decode_errors"`
	Triggered    int64     `json:"triggered"`
	Sent         int64     `json:"sent"`
	Failed       int64     `json:"failed"`
	LastAlert    time.Time `json:"last_alert,omitzero"`
	Suspended    bool      `json:"suspended"`
	ResumeAt     time.Time `json:"resume_at,omitzero"`
}

// Monitor matches status payloads and drives the alert/cooldown cycle.
// HandleMessage is safe for concurrent use; calls are processed one at
// a time.
type Monitor struct {
	cfg      Config
	notifier Notifier
	bus      *events.Bus
	logger   *slog.Logger

	// Backoff for failed resumes. Set from the package constants.
	retryInitial time.Duration
	retryMax     time.Duration

	// procMu serializes message processing so that one trigger yields
	// exactly one notification even if deliveries overlap.
	procMu sync.Mutex

	mu        sync.Mutex
	source    Source
	suspended bool
	resumeAt  time.Time
	timer     *time.Timer
	closed    bool
	stats     Stats
}

// NewMonitor creates a Monitor. bus may be nil.
func NewMonitor(cfg Config, notifier Notifier, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	return &Monitor{
		cfg:          cfg,
		notifier:     notifier,
		bus:          bus,
		logger:       logger,
		retryInitial: resumeRetryInitial,
		retryMax:     resumeRetryMax,
	}
}

// SetSource attaches the subscription that Pause/Resume act on. The
// subscriber is built with the monitor's handler, so it can only be
// attached after both exist.
func (m *Monitor) SetSource(s Source) {
	m.mu.Lock()
	m.source = s
	m.mu.Unlock()
}

// Decode returns the payload as text, or [ErrInvalidPayload].
func Decode(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", ErrInvalidPayload
	}
	return string(payload), nil
}

// HandleMessage processes one status payload. It has the signature of
// the MQTT subscriber's message handler. Faults are logged and never
// propagate to the caller.
func (m *Monitor) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("error processing message", "topic", topic, "panic", r)
		}
	}()

	if reason := m.gate(); reason != "" {
		m.drop(topic, reason)
		return
	}

	m.procMu.Lock()
	defer m.procMu.Unlock()

	// A trigger handled while this call waited for procMu has started
	// a cooldown.
	if reason := m.gate(); reason != "" {
		m.drop(topic, reason)
		return
	}

	m.logger.Log(context.Background(), config.LevelTrace, "raw status payload",
		"topic", topic, "payload", payload)

	text, err := Decode(payload)
	if err != nil {
		m.count(func(s *Stats) { s.DecodeErrors++ })
		m.logger.Warn("error processing message",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		m.bus.Emit(events.SourceMonitor, events.KindDecodeFailed, map[string]any{
			"topic":        topic,
			"payload_size": len(payload),
		})
		return
	}

	m.count(func(s *Stats) { s.Received++ })
	m.logger.Info("status message received", "topic", topic, "data", text)
	m.bus.Emit(events.SourceMonitor, events.KindMessageReceived, map[string]any{
		"topic":   topic,
		"payload": text,
	})

	if text != m.cfg.Trigger {
		return
	}

	m.trigger()
}

// trigger sends the alert and starts the cooldown. The cooldown starts
// whether or not the send succeeded.
func (m *Monitor) trigger() {
	id := uuid.NewString()
	m.count(func(s *Stats) {
		s.Triggered++
		s.LastAlert = time.Now()
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	sid, err := m.notifier.Notify(ctx, m.cfg.Alert)
	cancel()

	if err != nil {
		m.count(func(s *Stats) { s.Failed++ })
		m.logger.Error("failed to send alert",
			"alert_id", id,
			"to", m.cfg.Alert.To,
			"error", err,
		)
		m.bus.Emit(events.SourceSMS, events.KindAlertFailed, map[string]any{
			"alert_id": id,
			"to":       m.cfg.Alert.To,
			"error":    err.Error(),
		})
	} else {
		m.count(func(s *Stats) { s.Sent++ })
		m.logger.Info("alert sent",
			"alert_id", id,
			"to", m.cfg.Alert.To,
			"sid", sid,
		)
		m.bus.Emit(events.SourceSMS, events.KindAlertSent, map[string]any{
			"alert_id": id,
			"to":       m.cfg.Alert.To,
			"sid":      sid,
		})
	}

	if m.cfg.Cooldown > 0 {
		m.suspend(id)
	}
}

// suspend pauses the source and arms the resume timer. The source is
// paused before the timer starts so a short cooldown cannot resume a
// subscription that has not been paused yet.
func (m *Monitor) suspend(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.suspended = true
	m.resumeAt = time.Now().Add(m.cfg.Cooldown)
	src := m.source
	m.mu.Unlock()

	m.logger.Info("trigger matched, suspending message processing",
		"alert_id", id,
		"cooldown", m.cfg.Cooldown.String(),
	)
	m.bus.Emit(events.SourceMonitor, events.KindCooldownStart, map[string]any{
		"alert_id":     id,
		"cooldown_sec": int(m.cfg.Cooldown / time.Second),
	})

	if src != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sourceTimeout)
		if err := src.Pause(ctx); err != nil {
			m.logger.Warn("pause subscription failed", "alert_id", id, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timer = time.AfterFunc(m.cfg.Cooldown, func() { m.resume(id, 0) })
}

// resume ends the cooldown started for alert id. If the source cannot
// be resumed the monitor stays suspended and tries again after a
// backoff delay; attempt counts the failures so far.
func (m *Monitor) resume(id string, attempt int) {
	m.mu.Lock()
	if m.closed || !m.suspended {
		m.mu.Unlock()
		return
	}
	src := m.source
	m.mu.Unlock()

	if src != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sourceTimeout)
		err := src.Resume(ctx)
		cancel()
		if err != nil {
			m.retryResume(id, attempt+1, err)
			return
		}
	}

	m.mu.Lock()
	m.suspended = false
	m.resumeAt = time.Time{}
	m.timer = nil
	m.mu.Unlock()

	m.logger.Info("cooldown ended, resuming message processing", "alert_id", id)
	m.bus.Emit(events.SourceMonitor, events.KindCooldownEnd, map[string]any{
		"alert_id": id,
	})
}

func (m *Monitor) retryResume(id string, attempt int, err error) {
	delay := m.retryInitial
	for i := 1; i < attempt && delay < m.retryMax; i++ {
		delay *= 2
	}
	delay = min(delay, m.retryMax)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.resumeAt = time.Now().Add(delay)
	m.timer = time.AfterFunc(delay, func() { m.resume(id, attempt) })

	m.logger.Warn("resume subscription failed, retrying",
		"alert_id", id,
		"attempt", attempt,
		"retry_in", delay.String(),
		"error", err,
	)
	m.bus.Emit(events.SourceMonitor, events.KindResumeFailed, map[string]any{
		"alert_id": id,
		"attempt":  attempt,
		"error":    err.Error(),
	})
}

func (m *Monitor) drop(topic, reason string) {
	m.count(func(s *Stats) { s.Dropped++ })
	m.logger.Debug("status message dropped", "topic", topic, "reason", reason)
	m.bus.Emit(events.SourceMonitor, events.KindMessageDropped, map[string]any{
		"topic":  topic,
		"reason": reason,
	})
}

func (m *Monitor) count(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}

// gate returns why a message must be dropped, or "" to process it.
func (m *Monitor) gate() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return "closed"
	case m.suspended:
		return "cooldown"
	}
	return ""
}

// Suspended reports whether a cooldown is in progress.
func (m *Monitor) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Suspended = m.suspended
	s.ResumeAt = m.resumeAt
	return s
}

// Close stops a pending resume timer. The monitor drops every message
// after Close.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
