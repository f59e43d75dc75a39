// Package pipeline implements the Stage0-Stage4 deliberation protocol: a
// fixed DAG of LLM fan-out stages with anonymized peer ranking, an optional
// roundtable or free-flow lively chat, fact-checking, chairman synthesis,
// and report generation, grounded in the teacher's structured-concurrency
// idiom (internal/rag/retrieve/candidates.go's "wait for all, none raises"
// fan-out, generalized from two retrieval legs to N parallel agent calls).
package pipeline

import (
	"council/internal/jobs"
	"council/internal/kg"
	"council/internal/llm"
	"council/internal/persistence/databases"
	"council/internal/rag/retrieve"
	"council/internal/store"
	"council/internal/tools"
	"council/internal/trace"
)

// Deps bundles every collaborator a turn needs. All fields are shared,
// long-lived singletons constructed once at startup (spec §9 "explicit
// collaborators" design note).
type Deps struct {
	Gateway       *llm.Gateway
	Retriever     *retrieve.Retriever
	Extractor     *kg.Extractor
	Graph         databases.GraphDB
	Documents     databases.DocumentStore // optional; nil degrades Stage0/Stage4 auto-save to no-ops
	Jobs          *jobs.Store
	Tools         tools.Registry
	Agents        *store.AgentStore
	Conversations *store.ConversationStore
	Trace         *trace.Sink
}

// Stage1Record is one agent's individual answer. Failed agents are omitted
// entirely from the turn's Stage1 slice (spec §3, partial-failure tolerance).
type Stage1Record struct {
	AgentID         string `json:"agent_id"`
	AgentName       string `json:"agent_name"`
	ModelSpec       string `json:"model_spec"`
	InfluenceWeight float64 `json:"influence_weight"`
	SeniorityYears  float64 `json:"seniority_years"`
	Response        string `json:"response"`
}

// Stage2Record is one agent's peer-ranking vote.
type Stage2Record struct {
	AgentID       string   `json:"agent_id"`
	AgentName     string   `json:"agent_name"`
	RawText       string   `json:"raw_text"`
	ParsedRanking []string `json:"parsed_ranking"` // ordered "Response X" labels
	VoteWeight    float64  `json:"vote_weight"`
}

// LabelMapping records the anonymization handle assigned to each Stage1
// record at the start of Stage2, held until Stage3 completes.
type LabelMapping struct {
	Label     string `json:"label"` // "Response A", "Response B", ...
	AgentID   string `json:"agent_id"`
	ModelSpec string `json:"model_spec"`
}

// AggregateEntry is one model's blended rank across every Stage2 voter.
type AggregateEntry struct {
	Label        string  `json:"label"`
	ModelSpec    string  `json:"model_spec"`
	AverageRank  float64 `json:"average_rank"`
	TotalWeight  float64 `json:"total_weight"`
}

// RoundtableMessage is one reply in serious-mode Stage2B.
type RoundtableMessage struct {
	Round   int    `json:"round"`
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// LivelyMessage is one line in the lively-mode transcript.
type LivelyMessage struct {
	Index   int    `json:"index"`
	Speaker string `json:"speaker"` // agent ID or "chairman"
	Phase   string `json:"phase"`   // warmup|leader_pick|leader_open|follower|rotation|checkpoint
	Text    string `json:"text"`
}

// LivelyResult is the Stage2B lively-mode outcome.
type LivelyResult struct {
	Transcript []LivelyMessage `json:"transcript"`
	Leaders    []string        `json:"leaders"`
	Action     string          `json:"action"` // continue|converge, final value
	Scripts    []store.ScriptSwitch `json:"scripts,omitempty"`
}

// FactCheckClaim is one Stage2C claim.
type FactCheckClaim struct {
	Claim      string              `json:"claim"`
	Status     string              `json:"status"` // supported|uncertain|refuted
	Evidence   []FactCheckEvidence `json:"evidence"`
	Confidence float64             `json:"confidence"`
}

// FactCheckEvidence is one citation backing a FactCheckClaim.
type FactCheckEvidence struct {
	Type string `json:"type"` // web|kb|other
	Ref  string `json:"ref"`
	Note string `json:"note,omitempty"`
}

// FactCheckResult is the Stage2C outcome; nil on failure (spec §4.5.5).
type FactCheckResult struct {
	Claims         []FactCheckClaim `json:"claims"`
	OpenQuestions  []string         `json:"open_questions"`
}

// Stage0Result is the optional preprocess summary.
type Stage0Result struct {
	Summary            string   `json:"summary"`
	Outline            []string `json:"outline"`
	KeyQuestions       []string `json:"key_questions"`
	SuggestedSubtasks  []string `json:"suggested_subtasks"`
	UsedDocs           []string `json:"used_docs"`
}

// TurnResult is the full bundle returned for one pipeline turn (spec §6
// POST /conversations/{id}/message response shape).
type TurnResult struct {
	Stage0   *Stage0Result      `json:"stage0,omitempty"`
	Stage1   []Stage1Record     `json:"stage1"`
	Stage2   []Stage2Record     `json:"stage2,omitempty"`
	Stage2B  *Stage2BResult     `json:"stage2b,omitempty"`
	Stage2C  *FactCheckResult   `json:"stage2c,omitempty"`
	Stage3   string             `json:"stage3,omitempty"`
	Stage4   string             `json:"stage4,omitempty"`
	Metadata TurnMetadata       `json:"metadata"`
	Error    string             `json:"error,omitempty"`
}

// Stage2BResult holds whichever Stage2B sub-mode ran.
type Stage2BResult struct {
	Roundtable []RoundtableMessage `json:"roundtable,omitempty"`
	Lively     *LivelyResult       `json:"lively,omitempty"`
}

// TurnMetadata carries the label mapping and aggregate ranking plus misc
// per-turn facts callers need without re-deriving them.
type TurnMetadata struct {
	Labels     []LabelMapping   `json:"labels,omitempty"`
	Aggregate  []AggregateEntry `json:"aggregate,omitempty"`
	Chairman   string           `json:"chairman,omitempty"`
	MissingKeyProviders []string `json:"missing_key_providers,omitempty"`
}
