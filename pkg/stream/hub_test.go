package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"dataexport/pkg/audit"
)

func TestNewEvent(t *testing.T) {
	evt := NewEvent("refresh", map[string]string{"id": "123"})
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if evt.Type != "refresh" || evt.At == "" || payload["id"] != "123" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if NewEvent("empty", nil).Data != nil {
		t.Fatal("nil data should stay empty")
	}
}

func TestHubPublishesAttemptEvents(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(4)
	defer h.Unsubscribe(ch)

	a := audit.Attempt{ID: uuid.New(), Resource: "study:abc", Outcome: audit.OutcomeStarted}
	h.AttemptStarted(a)
	a.Outcome = audit.OutcomeCompleted
	a.BytesEmitted = 12
	h.AttemptFinished(a)

	for _, want := range []struct {
		typ     string
		outcome audit.Outcome
	}{{EventStarted, audit.OutcomeStarted}, {EventFinished, audit.OutcomeCompleted}} {
		select {
		case evt := <-ch:
			var got audit.Attempt
			if err := json.Unmarshal(evt.Data, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if evt.Type != want.typ || got.ID != a.ID || got.Outcome != want.outcome {
				t.Fatalf("unexpected event %s %+v", evt.Type, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	if evt := <-ch; evt.Type != "first" {
		t.Fatalf("expected first event to remain buffered, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("did not expect second event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d", h.Dropped())
	}

	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", h.Subscribers())
	}
	if _, open := <-ch; open {
		t.Fatal("unsubscribe must close the channel")
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
