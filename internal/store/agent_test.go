package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestAgent_VoteWeight(t *testing.T) {
	cases := []struct {
		name  string
		agent Agent
		want  float64
	}{
		{"baseline", Agent{InfluenceWeight: 1, SeniorityYears: 0}, 1},
		{"seniority boosts", Agent{InfluenceWeight: 2, SeniorityYears: 10}, 4},
		{"negative influence clamps to zero", Agent{InfluenceWeight: -5, SeniorityYears: 20}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.agent.VoteWeight(); got != c.want {
				t.Fatalf("VoteWeight() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAgentStore_UpsertGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agents.json")

	s, err := NewAgentStore(path, "openrouter:default-chairman", "openrouter:default-title")
	if err != nil {
		t.Fatalf("NewAgentStore: %v", err)
	}
	if s.ChairmanModel() != "openrouter:default-chairman" {
		t.Fatalf("expected default chairman model to be applied")
	}

	a := Agent{ID: "a1", Name: "Ada", ModelSpec: "openrouter:gpt", Enabled: true}
	if err := s.Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Ada" {
		t.Fatalf("got %+v", got)
	}

	reopened, err := NewAgentStore(path, "openrouter:default-chairman", "openrouter:default-title")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(reopened.List(ctx)) != 1 {
		t.Fatalf("expected persisted agent to survive reload")
	}

	if err := s.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestAgentStore_Enabled(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agents.json")
	s, err := NewAgentStore(path, "", "")
	if err != nil {
		t.Fatalf("NewAgentStore: %v", err)
	}
	_ = s.Upsert(ctx, Agent{ID: "a1", Enabled: true})
	_ = s.Upsert(ctx, Agent{ID: "a2", Enabled: false})

	enabled := s.Enabled(ctx)
	if len(enabled) != 1 || enabled[0].ID != "a1" {
		t.Fatalf("expected only a1 enabled, got %+v", enabled)
	}
}
