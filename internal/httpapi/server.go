// Package httpapi exposes the JSON REST surface named in spec §6 as an
// external collaborator: agents, settings, plugins, conversations, jobs, and
// ad-hoc KG/KB operations, plus an SSE streaming variant of the message
// endpoint. Grounded in the teacher's internal/httpapi package — a bare
// net/http.ServeMux with Go 1.22 method-pattern routing and a thin
// respondJSON/respondError pair, generalized from one playground service to
// council's several store/pipeline/jobs collaborators.
package httpapi

import (
	"net/http"

	"council/internal/jobs"
	"council/internal/llm"
	"council/internal/persistence/databases"
	"council/internal/pipeline"
	"council/internal/store"
	"council/internal/trace"
	"council/internal/version"
)

// Server exposes council's HTTP surface over a fixed set of collaborators,
// each an explicit dependency per spec §9's "explicit collaborators" note.
type Server struct {
	mux *http.ServeMux

	Agents        *store.AgentStore
	Settings      *store.SettingsStore
	Plugins       *store.PluginStore
	Conversations *store.ConversationStore
	Jobs          *jobs.Runner
	JobStore      *jobs.Store
	Pipeline      *pipeline.Pipeline
	Gateway       *llm.Gateway
	Documents     databases.DocumentStore
	Trace         *trace.Sink
	DataPath      string // root of data/, for reading back trace files

	// AuthToken, if non-empty, is required as "Bearer <token>" on every
	// request (spec.md §1 names authentication out of scope for design
	// depth; SPEC_FULL.md still wires a minimal shared-secret check so the
	// surface isn't wide open by default).
	AuthToken string
}

// NewServer builds the Server and registers every route.
func NewServer(s *Server) *Server {
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler, wrapping the mux with CORS and auth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.withAuth(s.mux)).ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("POST /agents", s.handleUpsertAgent)
	s.mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	s.mux.HandleFunc("GET /settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /settings", s.handleUpdateSettings)

	s.mux.HandleFunc("GET /plugins", s.handleListPlugins)
	s.mux.HandleFunc("PUT /plugins/{name}", s.handleSetPlugin)

	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /conversations/{id}/message", s.handleMessage)
	s.mux.HandleFunc("POST /conversations/{id}/message/stream", s.handleMessageStream)
	s.mux.HandleFunc("POST /conversations/{id}/invoke", s.handleInvoke)
	s.mux.HandleFunc("GET /conversations/{id}/trace", s.handleTrace)

	s.mux.HandleFunc("POST /kg/extract", s.handleKGExtract)
	s.mux.HandleFunc("POST /kb/index", s.handleKBIndex)

	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.Version})
}
