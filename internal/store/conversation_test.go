package store

import (
	"context"
	"errors"
	"testing"
)

func TestConversationStore_CreateGetSave(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore(t.TempDir())

	c := &Conversation{ID: "c1", Title: "First"}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Mode != ModeSerious {
		t.Fatalf("expected default mode serious, got %v", c.Mode)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Messages = append(got.Messages, Message{ID: "m1", Role: "user", Content: "hi"})
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get after save: %v", err)
	}
	if len(reloaded.Messages) != 1 || reloaded.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", reloaded.Messages)
	}

	ids, err := s.List(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("List() = %v, %v", ids, err)
	}
}

func TestConversationStore_GetMissing(t *testing.T) {
	s := NewConversationStore(t.TempDir())
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestConversation_ChairmanMutualExclusion(t *testing.T) {
	c := &Conversation{}
	c.SetChairmanAgent("agent-1")
	if c.ChairmanAgentID != "agent-1" || c.ChairmanModel != "" {
		t.Fatalf("unexpected state after SetChairmanAgent: %+v", c)
	}
	c.SetChairmanModel("openrouter:gpt")
	if c.ChairmanModel != "openrouter:gpt" || c.ChairmanAgentID != "" {
		t.Fatalf("unexpected state after SetChairmanModel: %+v", c)
	}
}
