package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"council/internal/jobs"
	"council/internal/pipeline"
	"council/internal/store"
	"council/internal/trace"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Agents -----------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": s.Agents.List(r.Context())})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var a store.Agent
	if err := decodeJSON(r, &a); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.Agents.Upsert(r.Context(), a); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.Agents.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Settings -----------------------------------------------------------

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Settings.Get(r.Context()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next store.Settings
	if err := decodeJSON(r, &next); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Settings.Update(r.Context(), next); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, s.Settings.Get(r.Context()))
}

// --- Plugins --------------------------------------------------------------

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"plugins": s.Plugins.List(r.Context())})
}

func (s *Server) handleSetPlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cfg store.PluginConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	cfg.Name = name
	if err := s.Plugins.Set(r.Context(), cfg); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	// Disabling a tool unregisters its handler, so new job creation for that
	// type is rejected (spec §4.7). Enabling a tool here registers nothing:
	// a handler removed earlier in this process stays removed.
	if !cfg.Enabled {
		s.Jobs.Unregister(name)
	}
	respondJSON(w, http.StatusOK, cfg)
}

// --- Conversations ----------------------------------------------------

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var c store.Conversation
	if err := decodeJSON(r, &c); err != nil && err.Error() != "EOF" {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.Conversations.Create(r.Context(), &c); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Conversations.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation_ids": ids})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type messageRequest struct {
	Query string `json:"query"`
}

// handleMessage runs the full Stage0-Stage4 pipeline for one user turn and
// appends both the user and assistant messages to conversation history
// (spec §6 POST /conversations/{id}/message).
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	conv, req, ok := s.loadConversationAndQuery(w, r)
	if !ok {
		return
	}
	result, err := s.Pipeline.RunTurn(r.Context(), conv, req.Query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.appendTurn(r.Context(), conv, req.Query, result)
	respondJSON(w, http.StatusOK, result)
}

// appendTurn records the user query and the turn's assistant-facing summary
// (Stage4 report if produced, else Stage3 synthesis) into conversation
// history, embedding the full structured bundle for later retrieval.
func (s *Server) appendTurn(ctx context.Context, conv *store.Conversation, query string, result *pipeline.TurnResult) {
	summary := result.Stage4
	if summary == "" {
		summary = result.Stage3
	}
	if summary == "" {
		summary = result.Error
	}
	turnJSON, _ := json.Marshal(result)
	appendMessage(conv, "user", query, "")
	conv.Messages = append(conv.Messages, store.Message{
		ID: uuid.NewString(), Role: "assistant", Content: summary, Summary: summary, Turn: turnJSON,
	})
	_ = s.Conversations.Save(ctx, conv)
}

func (s *Server) loadConversationAndQuery(w http.ResponseWriter, r *http.Request) (*store.Conversation, messageRequest, bool) {
	conv, err := s.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return nil, messageRequest{}, false
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return nil, messageRequest{}, false
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, errors.New("query must not be empty"))
		return nil, messageRequest{}, false
	}
	return conv, req, true
}

type invokeRequest struct {
	Mode    string                    `json:"mode"` // "ask" | "report"
	AgentID string                    `json:"agent_id"`
	Query   string                    `json:"query"`
	Report  *store.ReportRequirements `json:"report,omitempty"`
}

// handleInvoke runs a direct single-agent ask or an ad-hoc report (spec
// §4.5.8, §6 POST /conversations/{id}/invoke).
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	conv, err := s.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Mode {
	case "ask":
		text, err := s.Pipeline.Ask(r.Context(), conv, req.AgentID, req.Query)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		appendMessage(conv, "user", req.Query, "")
		appendMessage(conv, "assistant", text, text)
		_ = s.Conversations.Save(r.Context(), conv)
		respondJSON(w, http.StatusOK, map[string]any{"model": "direct", "response": text})
	case "report":
		text, err := s.Pipeline.AdHocReport(r.Context(), conv, req.Query, req.Report)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		appendMessage(conv, "assistant", text, text)
		_ = s.Conversations.Save(r.Context(), conv)
		respondJSON(w, http.StatusOK, map[string]any{"model": "report", "response": text})
	default:
		respondError(w, http.StatusBadRequest, errors.New("mode must be ask or report"))
	}
}

// handleTrace reads the conversation's append-only trace log directly from
// disk via trace.Read, rather than through the active Sink writer, since a
// concurrent reader must never block the single per-conversation writer
// (spec §5 shared-resources note).
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	events, err := trace.Read(s.DataPath, r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Jobs -----------------------------------------------------------------

type createJobRequest struct {
	Type           string          `json:"job_type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	ForceNew       bool            `json:"force_new"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !s.Jobs.HasHandler(req.Type) {
		respondError(w, http.StatusBadRequest, errors.New("disabled or unknown tool: "+req.Type))
		return
	}
	job, reused, err := s.Jobs.CreateAndEnqueue(r.Context(), jobs.CreateOptions{
		Type:           req.Type,
		ConversationID: req.ConversationID,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		ForceNew:       req.ForceNew,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job": job, "reused": reused})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.JobStore.List(r.Context(), r.URL.Query().Get("conversation_id"), jobs.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.JobStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := s.JobStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// --- KG / KB ad-hoc operations ---------------------------------------------

type kgExtractRequest struct {
	Model          string          `json:"model"`
	Text           string          `json:"text"`
	Ontology       []string        `json:"ontology"`
	ChunkSize      int             `json:"chunk_size"`
	Overlap        int             `json:"overlap"`
	AsyncJob       bool            `json:"async_job"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"-"`
}

func (s *Server) handleKGExtract(w http.ResponseWriter, r *http.Request) {
	var req kgExtractRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !req.AsyncJob {
		respondError(w, http.StatusBadRequest, errors.New("synchronous kg/extract is not exposed; set async_job=true"))
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"model": req.Model, "text": req.Text, "ontology": req.Ontology,
		"chunk_size": req.ChunkSize, "overlap": req.Overlap,
	})
	s.createAsyncJob(w, r, "kg_extract", req.ConversationID, payload)
}

type kbIndexRequest struct {
	Model          string   `json:"model"`
	DocIDs         []string `json:"doc_ids"`
	Categories     []string `json:"categories"`
	AgentID        string   `json:"agent_id"`
	Pool           int      `json:"pool"`
	AsyncJob       bool     `json:"async_job"`
	ConversationID string   `json:"conversation_id"`
}

func (s *Server) handleKBIndex(w http.ResponseWriter, r *http.Request) {
	var req kbIndexRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !req.AsyncJob {
		respondError(w, http.StatusBadRequest, errors.New("synchronous kb/index is not exposed; set async_job=true"))
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"model": req.Model, "doc_ids": req.DocIDs, "categories": req.Categories,
		"agent_id": req.AgentID, "pool": req.Pool,
	})
	s.createAsyncJob(w, r, "kb_index", req.ConversationID, payload)
}

func (s *Server) createAsyncJob(w http.ResponseWriter, r *http.Request, jobType, conversationID string, payload json.RawMessage) {
	if !s.Jobs.HasHandler(jobType) {
		respondError(w, http.StatusBadRequest, errors.New("disabled tool: "+jobType))
		return
	}
	job, reused, err := s.Jobs.CreateAndEnqueue(r.Context(), jobs.CreateOptions{
		Type:           jobType,
		ConversationID: conversationID,
		Payload:        payload,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job": job, "reused": reused})
}

func appendMessage(conv *store.Conversation, role, content, summary string) {
	conv.Messages = append(conv.Messages, store.Message{
		ID: uuid.NewString(), Role: role, Content: content, Summary: summary,
	})
}
