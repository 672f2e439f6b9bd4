package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceMonitor, Kind: KindAlertSent})
	b.Emit(SourceMQTT, KindConnected, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceMonitor, KindCooldownStart, map[string]any{"cooldown_sec": 300})

	select {
	case got := <-ch:
		if got.Source != SourceMonitor || got.Kind != KindCooldownStart {
			t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceMonitor, KindCooldownStart)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("Timestamp %v before publish time %v", got.Timestamp, before)
		}
		if got.Data["cooldown_sec"] != 300 {
			t.Errorf("cooldown_sec = %v, want 300", got.Data["cooldown_sec"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 3
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceMQTT, Kind: KindMessageReceived})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindMessageReceived {
				t.Errorf("subscriber %d: got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	b.Publish(Event{Kind: KindAlertFailed})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range 10 {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range 100 {
				b.Emit(SourceMQTT, KindMessageReceived, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
