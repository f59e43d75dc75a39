package trace

import (
	"testing"
)

func TestSink_EmitAndRead(t *testing.T) {
	dataPath := t.TempDir()
	s := NewSink(dataPath)
	defer s.Close()

	s.Emit("conv-1", "stage_start", map[string]any{"stage": "stage1"})
	s.Emit("conv-1", "stage_complete", map[string]any{"stage": "stage1", "agents": float64(3)})
	s.Emit("conv-2", "stage_start", map[string]any{"stage": "stage1"})

	events, err := Read(dataPath, "conv-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for conv-1, got %d", len(events))
	}
	if events[0].Type != "stage_start" || events[1].Type != "stage_complete" {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[1].Payload["agents"] != float64(3) {
		t.Fatalf("unexpected payload: %+v", events[1].Payload)
	}
}

func TestRead_MissingConversationReturnsEmpty(t *testing.T) {
	events, err := Read(t.TempDir(), "never-written")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
