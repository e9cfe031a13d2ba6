package inspector

import (
	"context"
	"testing"
	"time"

	"github.com/cryguy/corejs"
)

func TestServeFansOutToRegisteredClients(t *testing.T) {
	stats := make(chan corejs.Stats, 1)
	s := New(stats, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client := make(chan Event, 1)
	s.register <- client

	stats <- corejs.Stats{PendingOps: 3, QueueSize: 128}

	select {
	case evt := <-client:
		if evt.Stats.PendingOps != 3 {
			t.Fatalf("PendingOps = %d, want 3", evt.Stats.PendingOps)
		}
		if evt.Summary == "" {
			t.Fatal("expected a non-empty summary")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	s.unregister <- client
	if _, ok := <-client; ok {
		t.Fatal("expected client channel to be closed after unregister")
	}
}

func TestServeDropsEventsForSlowClients(t *testing.T) {
	stats := make(chan corejs.Stats, 2)
	s := New(stats, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	// unbuffered and never read from: the relay must not block on it.
	slow := make(chan Event)
	s.register <- slow

	done := make(chan struct{})
	go func() {
		stats <- corejs.Stats{PendingOps: 1}
		stats <- corejs.Stats{PendingOps: 2}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay blocked on a slow client instead of dropping the event")
	}
}

func TestSummarize(t *testing.T) {
	got := summarize(corejs.Stats{PendingOps: 2, PendingUnrefOps: 1, PreparingDynImports: 1, PendingDynImports: 1, QueueSize: 64})
	if got == "" {
		t.Fatal("expected a non-empty summary")
	}
}
