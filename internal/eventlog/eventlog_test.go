package eventlog

import (
	"fmt"
	"testing"
	"time"
)

func TestRecentIsNewestFirst(t *testing.T) {
	l := New(0)
	for i := 0; i < 3; i++ {
		l.Add(KindTurn, map[string]any{"i": i})
	}
	got := l.Recent(10)
	if len(got) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(got))
	}
	if got[0].Payload["i"] != 2 || got[2].Payload["i"] != 0 {
		t.Fatalf("order = %v, %v, want newest first", got[0].Payload, got[2].Payload)
	}
	if got[0].Seq != 3 {
		t.Fatalf("Seq = %d, want 3", got[0].Seq)
	}
}

func TestRecentLimits(t *testing.T) {
	l := New(5)
	for i := 0; i < HardLimit+40; i++ {
		l.Add(KindDegraded, map[string]any{"n": fmt.Sprint(i)})
	}
	if got := len(l.Recent(0)); got != 5 {
		t.Fatalf("default limit returned %d, want 5", got)
	}
	if got := len(l.Recent(10_000)); got != HardLimit {
		t.Fatalf("oversized limit returned %d, want %d", got, HardLimit)
	}
	if l.Len() != HardLimit {
		t.Fatalf("Len() = %d, want %d", l.Len(), HardLimit)
	}
	oldest := l.Recent(HardLimit)[HardLimit-1]
	if oldest.Payload["n"] != "40" {
		t.Fatalf("oldest kept = %v, want 40", oldest.Payload["n"])
	}
}

func TestSubscribeReceivesAndCancels(t *testing.T) {
	l := New(0)
	ch, cancel := l.Subscribe(4)
	l.Add(KindAction, nil)

	select {
	case ev := <-ch:
		if ev.Kind != KindAction {
			t.Fatalf("Kind = %q, want %q", ev.Kind, KindAction)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	cancel()
	cancel()
	if l.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d, want 0", l.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	l := New(0)
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Add(KindTurn, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Add blocked on a slow subscriber")
	}
}
