package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type conversationIDKey struct{}

// WithConversationID tags ctx with a deliberation conversation ID, read back
// by LoggerWithTrace (and by internal/pipeline's emitTrace) for the lifetime
// of a turn.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// ConversationIDFromContext returns the conversation ID set by
// WithConversationID, if any.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey{}).(string)
	return id
}

// LoggerWithTrace returns a zerolog.Logger enriched with trace_id/span_id
// and, if set via WithConversationID, conversation_id from the context.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
		if sc.HasSpanID() {
			l = l.With().Str("span_id", sc.SpanID().String()).Logger()
		}
		if sc.IsSampled() {
			l = l.With().Bool("trace_sampled", true).Logger()
		}
	}
	if id := ConversationIDFromContext(ctx); id != "" {
		l = l.With().Str("conversation_id", id).Logger()
	}
	return &l
}
