package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// ErrConversationNotFound is returned when a conversation ID has no record.
var ErrConversationNotFound = errors.New("store: conversation not found")

// DiscussionMode selects the Stage2B sub-mode for a conversation.
type DiscussionMode string

const (
	ModeSerious DiscussionMode = "serious"
	ModeLively  DiscussionMode = "lively"
)

// LivelyParams configures the Stage2B lively-mode state machine (defaults
// applied by the pipeline when zero).
type LivelyParams struct {
	MaxMessages     int `json:"max_messages,omitempty"`
	MaxTurns        int `json:"max_turns,omitempty"`
	CheckpointEvery int `json:"checkpoint_every,omitempty"`
}

// ScriptSwitch records one lively-mode script change for the persistent
// script history.
type ScriptSwitch struct {
	AtMessage int       `json:"at_message"`
	Script    string    `json:"script"`
	Reason    string    `json:"reason,omitempty"`
	Ts        time.Time `json:"ts"`
}

// ReportRequirements customizes Stage4 report generation.
type ReportRequirements struct {
	AutoSave         bool   `json:"auto_save"`
	ReportKBCategory string `json:"report_kb_category,omitempty"`
	BindBack         bool   `json:"bind_back"`
	Language         string `json:"language,omitempty"`
}

// Message is one turn in the conversation's ordered message list. For
// assistant messages produced by the pipeline, Summary holds the
// Stage3/Stage4/direct text used to build the conversation-history digest
// fed back into Stage1 prompts, and Turn holds the full structured bundle
// returned over HTTP.
type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"` // user|assistant
	Content   string          `json:"content"`
	Summary   string          `json:"summary,omitempty"`
	Turn      json.RawMessage `json:"turn,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Conversation is the ordered message list plus per-conversation overrides.
// Invariant: ChairmanAgentID and ChairmanModel are mutually exclusive —
// setting one via SetChairmanAgent/SetChairmanModel clears the other.
type Conversation struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Messages         []Message          `json:"messages"`
	SelectedAgentIDs []string           `json:"selected_agent_ids,omitempty"` // empty => all enabled
	ChairmanAgentID  string             `json:"chairman_agent_id,omitempty"`
	ChairmanModel    string             `json:"chairman_model,omitempty"`
	BoundDocIDs      []string           `json:"bound_doc_ids,omitempty"`
	Report           ReportRequirements `json:"report"`
	Mode             DiscussionMode     `json:"mode"`
	Lively           LivelyParams       `json:"lively"`
	ScriptHistory    []ScriptSwitch     `json:"script_history,omitempty"`
	PreprocessOn     bool               `json:"preprocess_on"`
	FactCheckOn      bool               `json:"fact_check_on"`
	RoundtableRounds int                `json:"roundtable_rounds"`
	IterationRounds  int                `json:"iteration_rounds"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// SetChairmanAgent sets the agent-override chairman and clears ChairmanModel.
func (c *Conversation) SetChairmanAgent(agentID string) {
	c.ChairmanAgentID = agentID
	c.ChairmanModel = ""
}

// SetChairmanModel sets the model-override chairman and clears ChairmanAgentID.
func (c *Conversation) SetChairmanModel(spec string) {
	c.ChairmanModel = spec
	c.ChairmanAgentID = ""
}

// ConversationStore persists data/conversations/{id}.json, one file per
// conversation, with atomic whole-file rewrite on every message.
type ConversationStore struct {
	dir string
	mu  sync.Mutex
}

// NewConversationStore opens the conversations directory (created lazily on
// first write).
func NewConversationStore(dataPath string) *ConversationStore {
	return &ConversationStore{dir: filepath.Join(dataPath, "conversations")}
}

func (s *ConversationStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Get loads a conversation by ID.
func (s *ConversationStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Conversation
	c.ID = id
	found := false
	if err := readJSONFileExists(s.path(id), &c, &found); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return &c, nil
}

// Create persists a brand-new conversation.
func (s *ConversationStore) Create(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Mode == "" {
		c.Mode = ModeSerious
	}
	return atomicWriteFile(s.path(c.ID), c)
}

// Save rewrites the whole conversation file (per §9 DESIGN NOTES, re-evaluate
// to an append-oriented store if turn latency becomes I/O bound).
func (s *ConversationStore) Save(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	return atomicWriteFile(s.path(c.ID), c)
}

// List enumerates conversation IDs by reading the directory.
func (s *ConversationStore) List(_ context.Context) ([]string, error) {
	return listJSONIDs(s.dir)
}

func readJSONFileExists(path string, v any, found *bool) error {
	err := readJSONFile(path, v)
	if err != nil {
		return err
	}
	*found = fileExists(path)
	return nil
}
