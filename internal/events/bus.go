// Package events carries operational events from the MQTT subscriber,
// the alert monitor and the SMS notifier to whoever is listening (the
// status API's WebSocket stream, tests). Publishing on a nil *Bus is a
// no-op so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMQTT identifies events from the broker connection.
	SourceMQTT = "mqtt"
	// SourceMonitor identifies events from the alert monitor.
	SourceMonitor = "monitor"
	// SourceSMS identifies events from the SMS notifier.
	SourceSMS = "sms"
	// SourceHealth identifies events from the connection watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals an accepted CONNACK.
	// Data: broker, topic.
	KindConnected = "connected"
	// KindConnectFailed signals a refused or failed connection attempt.
	// Data: broker, reason_code (when the broker answered), error.
	KindConnectFailed = "connect_failed"
	// KindSubscribed signals that the status topic subscription is active.
	// Data: topic.
	KindSubscribed = "subscribed"
	// KindUnsubscribed signals that the status topic subscription was
	// dropped for a cooldown window.
	// Data: topic.
	KindUnsubscribed = "unsubscribed"

	// KindMessageReceived signals a payload accepted for processing.
	// Data: topic, payload.
	KindMessageReceived = "message_received"
	// KindMessageDropped signals a payload discarded without processing.
	// Data: topic, reason.
	KindMessageDropped = "message_dropped"
	// KindDecodeFailed signals a payload that was not valid text.
	// Data: topic, payload_size.
	KindDecodeFailed = "decode_failed"
	// KindCooldownStart signals that processing is suspended.
	// Data: alert_id, cooldown_sec.
	KindCooldownStart = "cooldown_start"
	// KindCooldownEnd signals that processing has resumed.
	// Data: alert_id.
	KindCooldownEnd = "cooldown_end"
	// KindResumeFailed signals that the subscription could not be
	// restored after a cooldown and a retry is scheduled.
	// Data: alert_id, attempt, error.
	KindResumeFailed = "resume_failed"

	// KindAlertSent signals a successful provider call.
	// Data: alert_id, to, sid.
	KindAlertSent = "alert_sent"
	// KindAlertFailed signals a provider call that returned an error.
	// Data: alert_id, to, error.
	KindAlertFailed = "alert_failed"

	// KindServiceReady signals a watched dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A full subscriber channel
// drops the event for that subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps the current time and publishes. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
