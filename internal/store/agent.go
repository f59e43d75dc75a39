package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when an agent ID has no matching record.
var ErrAgentNotFound = errors.New("store: agent not found")

// KBScope is an agent's knowledge-base visibility: either an explicit
// doc-ID allowlist or a category allowlist (see spec §4.5.2 KB scope
// resolution).
type KBScope struct {
	DocIDs     []string `json:"doc_ids,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Agent is a configured expert bound to an LLM endpoint, a persona, and a
// knowledge scope.
type Agent struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ModelSpec       string  `json:"model_spec"`
	Enabled         bool    `json:"enabled"`
	Persona         string  `json:"persona"`
	InfluenceWeight float64 `json:"influence_weight"`
	SeniorityYears  float64 `json:"seniority_years"`
	KB              KBScope `json:"kb"`
	GraphID         string  `json:"graph_id,omitempty"`
}

// VoteWeight implements the fixed contract max(0, influence) * (1 + seniority/10).
func (a Agent) VoteWeight() float64 {
	w := a.InfluenceWeight
	if w < 0 {
		w = 0
	}
	return w * (1 + a.SeniorityYears/10)
}

type agentsDoc struct {
	Agents        []Agent   `json:"agents"`
	ChairmanModel string    `json:"chairman_model"`
	TitleModel    string    `json:"title_model"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AgentStore persists data/agents.json with atomic writes.
type AgentStore struct {
	path string
	mu   sync.RWMutex
	doc  agentsDoc
}

// NewAgentStore loads (or initializes) the agent roster from path.
func NewAgentStore(path string, defaultChairman, defaultTitle string) (*AgentStore, error) {
	s := &AgentStore{path: path}
	if err := readJSONFile(path, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.ChairmanModel == "" {
		s.doc.ChairmanModel = defaultChairman
	}
	if s.doc.TitleModel == "" {
		s.doc.TitleModel = defaultTitle
	}
	return s, nil
}

// List returns a copy of every configured agent, in stable roster order.
func (s *AgentStore) List(_ context.Context) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, len(s.doc.Agents))
	copy(out, s.doc.Agents)
	return out
}

// Get returns the agent with the given ID.
func (s *AgentStore) Get(_ context.Context, id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.doc.Agents {
		if a.ID == id {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// Upsert inserts or replaces an agent by ID, preserving list ordering of
// KB.DocIDs exactly as given.
func (s *AgentStore) Upsert(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.doc.Agents {
		if existing.ID == a.ID {
			s.doc.Agents[i] = a
			s.doc.UpdatedAt = time.Now().UTC()
			return s.saveLocked()
		}
	}
	s.doc.Agents = append(s.doc.Agents, a)
	s.doc.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// Delete removes an agent by ID. A missing ID is a no-op.
func (s *AgentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc.Agents[:0]
	for _, a := range s.doc.Agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	s.doc.Agents = out
	s.doc.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// ChairmanModel returns the global fallback chairman model_spec.
func (s *AgentStore) ChairmanModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ChairmanModel
}

// SetChairmanModel updates the global fallback chairman model_spec.
func (s *AgentStore) SetChairmanModel(_ context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ChairmanModel = spec
	s.doc.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// TitleModel returns the model_spec used for conversation-title generation.
func (s *AgentStore) TitleModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.TitleModel
}

// Enabled returns every agent with Enabled=true, in roster order.
func (s *AgentStore) Enabled(_ context.Context) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.doc.Agents))
	for _, a := range s.doc.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func (s *AgentStore) saveLocked() error {
	return atomicWriteFile(s.path, s.doc)
}
