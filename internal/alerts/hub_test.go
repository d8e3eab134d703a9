package alerts

import (
	"fmt"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe()
	defer unsub()

	h.Publish(LevelWarning, "budget", "daily spend above 80%")

	a := <-ch
	if a.Level != LevelWarning || a.Source != "budget" {
		t.Errorf("alert = %+v", a)
	}
	if a.CreatedAt.IsZero() {
		t.Error("missing timestamp")
	}
}

func TestLateSubscriberReplay(t *testing.T) {
	h := New()
	h.Publish(LevelInfo, "canary", "stage advanced to 25")
	h.Publish(LevelCritical, "canary", "rolled back")

	ch, unsub := h.Subscribe()
	defer unsub()

	first := <-ch
	second := <-ch
	if first.Message != "stage advanced to 25" || second.Message != "rolled back" {
		t.Errorf("replay order: %q then %q", first.Message, second.Message)
	}
}

func TestRingWrap(t *testing.T) {
	h := New()
	for i := 0; i < bufferCap+10; i++ {
		h.Publish(LevelInfo, "test", fmt.Sprintf("alert %d", i))
	}

	recent := h.Recent()
	if len(recent) != bufferCap {
		t.Fatalf("len = %d, want %d", len(recent), bufferCap)
	}
	if recent[0].Message != "alert 10" {
		t.Errorf("oldest = %q, want alert 10", recent[0].Message)
	}
	if recent[len(recent)-1].Message != fmt.Sprintf("alert %d", bufferCap+9) {
		t.Errorf("newest = %q", recent[len(recent)-1].Message)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := New()
	_, unsub := h.Subscribe()
	unsub()
	unsub() // second call must not panic

	h.Publish(LevelInfo, "test", "after unsubscribe")
}
