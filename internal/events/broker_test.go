package events_test

import (
	"testing"

	"github.com/seantiz/learnlab/internal/events"
)

func TestBrokerSingleSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	sent := []events.Event{
		events.Log(events.SeverityInfo, "line 1"),
		events.Progress(1, 10),
		events.StatusUpdate("ANALYZING"),
	}
	for _, e := range sent {
		b.Publish("j1", e)
	}
	b.Close("j1")

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}

	if len(got) != len(sent) {
		t.Fatalf("got %d events, want %d", len(got), len(sent))
	}
	for i, e := range got {
		if e.Type != sent[i].Type {
			t.Errorf("event[%d].Type = %q, want %q", i, e.Type, sent[i].Type)
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := events.NewBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", events.Log(events.SeverityInfo, "hello"))
	b.Close("j1")

	for i, ch := range []<-chan events.Event{ch1, ch2} {
		var got []events.Event
		for e := range ch {
			got = append(got, e)
		}
		if len(got) != 1 || got[0].Message != "hello" {
			t.Errorf("subscriber %d got %v, want one hello event", i+1, got)
		}
	}
}

func TestBrokerTopicSurvivesBetweenStages(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	// First stage finishes with a terminal status; the topic must stay open
	// so a later stage can publish on the same channel.
	b.Publish("j1", events.StatusUpdate("SUCCESS"))
	b.Publish("j1", events.StatusUpdate("CLEANING"))

	got1 := <-ch
	got2 := <-ch
	if got1.Status != "SUCCESS" || got2.Status != "CLEANING" {
		t.Errorf("got statuses %q, %q; want SUCCESS, CLEANING", got1.Status, got2.Status)
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()

	b.Publish("j1", events.Log(events.SeverityInfo, "after unsub"))

	select {
	case e := <-ch:
		t.Errorf("got unexpected event %v after unsubscribe", e)
	default:
	}
}

func TestBrokerPublishToUnknownJobIsNoop(t *testing.T) {
	b := events.NewBroker()
	// Should not panic.
	b.Publish("nonexistent", events.Log(events.SeverityInfo, "line"))
	b.Close("nonexistent")
}

func TestBrokerSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := events.NewBroker()
	_, unsub := b.Subscribe("j1")
	defer unsub()

	// Publish far more than the subscriber buffer without draining; Publish
	// must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish("j1", events.Progress(i, 1000))
		}
	}()
	<-done
}

func TestBrokerCloseAll(t *testing.T) {
	b := events.NewBroker()
	ch1, _ := b.Subscribe("j1")
	ch2, _ := b.Subscribe("j2")

	b.CloseAll()

	if _, ok := <-ch1; ok {
		t.Error("j1 channel should be closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("j2 channel should be closed")
	}
}
