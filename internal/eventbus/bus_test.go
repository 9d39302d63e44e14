package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Topic: TopicTaskTriggered, Data: "payload"})

	select {
	case e := <-ch:
		if e.Topic != TopicTaskTriggered {
			t.Fatalf("Topic = %s, want %s", e.Topic, TopicTaskTriggered)
		}
		if e.Time.IsZero() {
			t.Fatal("expected publish to stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTopicFilter(t *testing.T) {
	t.Parallel()
	b := New()

	sent, unsubSent := b.Subscribe(4, TopicNotificationSent)
	defer unsubSent()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: TopicTaskTriggered})
	b.Publish(Event{Topic: TopicNotificationSent})

	// Filtered subscriber only sees its topic.
	select {
	case e := <-sent:
		if e.Topic != TopicNotificationSent {
			t.Fatalf("filtered subscriber got %s", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case e := <-sent:
		t.Fatalf("unexpected extra event: %s", e.Topic)
	default:
	}

	// Unfiltered subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d on unfiltered subscriber", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer and keep publishing; extra events must be dropped,
	// never blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: TopicTaskTriggered, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	_ = ch
	unsub()
	unsub() // idempotent

	// Must not panic even though the channel is closed.
	b.Publish(Event{Topic: TopicTaskCancelled})
}
