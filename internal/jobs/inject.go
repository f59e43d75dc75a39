package jobs

import (
	"context"
	"fmt"
	"strings"
)

// InjectableContext builds the realtime-context block Stage1 prepends to an
// agent's prompt once a background job finishes after the user last asked:
// up to 4 succeeded, uninjected jobs for the conversation, oldest first, each
// marked injected so it is never replayed into a later turn (spec §4.6
// Result injection). Returns "" if there is nothing to inject.
func (s *Store) InjectableContext(ctx context.Context, conversationID string) (string, error) {
	jobs, err := s.FetchUninjected(ctx, conversationID, 4)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Background task results since your last turn:\n")
	for _, j := range jobs {
		summary := "(no summary)"
		if j.Result != nil && j.Result.Summary != "" {
			summary = j.Result.Summary
		}
		fmt.Fprintf(&b, "- [%s] %s\n", j.Type, summary)
		if err := s.MarkInjected(ctx, j.ID); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}
