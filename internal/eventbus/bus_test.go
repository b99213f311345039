package eventbus

import (
	"testing"
	"time"
)

func TestFilterDeliversOnlyWantedTypes(t *testing.T) {
	b := New()
	ch, stop := Filter(b, 8, TxConfirmed)
	defer stop()

	b.Publish(Event{Type: TimerArmed})
	b.Publish(Event{Type: TxConfirmed, Data: "0xabc"})

	select {
	case e := <-ch:
		if e.Type != TxConfirmed {
			t.Fatalf("type = %s, want %s", e.Type, TxConfirmed)
		}
		if e.Data != "0xabc" {
			t.Fatalf("data = %v", e.Data)
		}
		if e.Time.IsZero() {
			t.Fatalf("publish should stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: TimerFired})
}
