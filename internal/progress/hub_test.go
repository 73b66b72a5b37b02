package progress

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/models"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHub(client, zap.NewNop())
}

func receiveEvent(t *testing.T, sub *Subscription) models.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return models.ProgressEvent{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	sub, err := hub.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	hub.Publish(ctx, "user-1", models.ProgressEvent{
		JobID:    "job-1",
		Type:     "prospect-enrichment",
		Status:   "active",
		Progress: models.Progress{Percent: 40, Processed: 2, Total: 5},
	})

	ev := receiveEvent(t, sub)
	if ev.JobID != "job-1" || ev.Status != "active" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Progress.Percent != 40 {
		t.Fatalf("progress lost in transit: %+v", ev.Progress)
	}
}

func TestEventsFanOutPerUser(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	subA, err := hub.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer subA.Close()
	subB, err := hub.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer subB.Close()
	other, err := hub.Subscribe(ctx, "user-2")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	defer other.Close()

	hub.Publish(ctx, "user-1", models.ProgressEvent{JobID: "job-1", Status: "completed"})

	if ev := receiveEvent(t, subA); ev.JobID != "job-1" {
		t.Fatalf("subscriber a missed event: %+v", ev)
	}
	if ev := receiveEvent(t, subB); ev.JobID != "job-1" {
		t.Fatalf("subscriber b missed event: %+v", ev)
	}
	select {
	case ev := <-other.C:
		t.Fatalf("event leaked across users: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberBookkeeping(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	if n := hub.SubscriberCount("user-1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}

	sub, err := hub.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := hub.SubscriberCount("user-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	sub.Close()
	sub.Close() // idempotent
	if n := hub.SubscriberCount("user-1"); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}

	if removed := hub.SweepIdle(0); removed != 1 {
		t.Fatalf("expected idle user swept, removed=%d", removed)
	}
}
