package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"council/internal/llm"
	"council/internal/trace"
)

// handleMessageStream mirrors handleMessage but frames the turn's
// stage_start/stage_complete trace events as SSE, plus title_complete and a
// terminal complete/error event (spec §6 POST /conversations/{id}/message/stream).
// Framing is "data: <json>\n\n" per event; the event name travels in the
// JSON object's "event" field.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	conv, req, ok := s.loadConversationAndQuery(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(name string, payload map[string]any) {
		payload["event"] = name
		b, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	events := make(chan trace.Event, 32)
	if s.Trace != nil {
		s.Trace.Subscribe(func(ev trace.Event) {
			if ev.ConversationID == conv.ID && (ev.Type == "stage_start" || ev.Type == "stage_complete") {
				select {
				case events <- ev:
				default: // slow client: drop rather than block the pipeline
				}
			}
		})
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				writeEvent(stageEventName(ev), map[string]any{"data": ev.Payload})
			case <-done:
				return
			}
		}
	}()

	if s.Gateway != nil && s.Agents.TitleModel() != "" && conv.Title == "" {
		if title, ok := generateTitle(r.Context(), s.Gateway, s.Agents.TitleModel(), req.Query); ok {
			conv.Title = title
			writeEvent("title_complete", map[string]any{"title": title})
		}
	}

	result, err := s.Pipeline.RunTurn(r.Context(), conv, req.Query)
	close(done)
	// Drain any events queued between the last select and close(done).
	for {
		select {
		case ev := <-events:
			writeEvent(stageEventName(ev), map[string]any{"data": ev.Payload})
			continue
		default:
		}
		break
	}

	if err != nil {
		writeEvent("error", map[string]any{"error": err.Error()})
		return
	}
	s.appendTurn(r.Context(), conv, req.Query, result)
	if result.Error != "" {
		writeEvent("error", map[string]any{"error": result.Error})
		return
	}
	writeEvent("complete", map[string]any{"data": result, "metadata": result.Metadata})
}

func stageEventName(ev trace.Event) string {
	if stage, ok := ev.Payload["stage"].(string); ok && (ev.Type == "stage_start" || ev.Type == "stage_complete") {
		suffix := "start"
		if ev.Type == "stage_complete" {
			suffix = "complete"
		}
		return stage + "_" + suffix
	}
	return ev.Type
}

// generateTitle asks the title model for a short conversation title (spec
// §4.1 "title <= 30s" timeout ceiling).
func generateTitle(ctx interface {
	Done() <-chan struct{}
}, gw *llm.Gateway, model, query string) (string, bool) {
	cctx, cancel := contextWithTimeoutFallback(ctx, 30*time.Second)
	defer cancel()
	msgs := []llm.Message{
		{Role: "system", Content: "Generate a short (<=8 word) title for this conversation. Respond with the title only, no quotes or punctuation."},
		{Role: "user", Content: query},
	}
	res, ok := gw.ChatOrNil(cctx, model, msgs, 30*time.Second, true)
	if !ok {
		return "", false
	}
	return truncateTitle(res.Content), true
}
