package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimQueued_CASPreventsDoubleClaim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	job := &Job{ID: newID(), Type: "web_search", MaxAttempts: 3}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := s.ClaimQueued(ctx, job.ID)
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v, want true, nil", first, err)
	}
	second, err := s.ClaimQueued(ctx, job.ID)
	if err != nil || second {
		t.Fatalf("second claim = %v, %v, want false, nil", second, err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (incremented exactly once)", got.Attempts)
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, terminal := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		job := &Job{ID: newID(), Type: "web_search", MaxAttempts: 3}
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.ClaimQueued(ctx, job.ID); err != nil {
			t.Fatalf("ClaimQueued: %v", err)
		}
		switch terminal {
		case StatusSucceeded:
			if err := s.Finish(ctx, job.ID, StatusSucceeded, &Result{OK: true}, ""); err != nil {
				t.Fatalf("Finish: %v", err)
			}
		case StatusFailed:
			if err := s.Finish(ctx, job.ID, StatusFailed, nil, "boom"); err != nil {
				t.Fatalf("Finish: %v", err)
			}
		case StatusCanceled:
			if err := s.Cancel(ctx, job.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
		}

		// Cancel on an already-terminal job must be a no-op: the WHERE
		// clause only matches queued|running, so the terminal status sticks.
		if err := s.Cancel(ctx, job.ID); err != nil {
			t.Fatalf("Cancel on terminal job: %v", err)
		}
		got, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != terminal {
			t.Fatalf("status after redundant Cancel = %s, want sticky %s", got.Status, terminal)
		}

		// A claim attempt on a terminal job must fail: ClaimQueued only
		// transitions queued -> running.
		claimed, err := s.ClaimQueued(ctx, job.ID)
		if err != nil {
			t.Fatalf("ClaimQueued on terminal job: %v", err)
		}
		if claimed {
			t.Fatalf("claimed a terminal (%s) job, want false", terminal)
		}
	}
}

func TestInjectedImpliesSucceeded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	job := &Job{ID: newID(), Type: "evidence_pack", ConversationID: "conv-1", MaxAttempts: 3}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ClaimQueued(ctx, job.ID); err != nil {
		t.Fatalf("ClaimQueued: %v", err)
	}
	if err := s.Finish(ctx, job.ID, StatusSucceeded, &Result{OK: true, Summary: "found 3 sources"}, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ctxStr, err := s.InjectableContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("InjectableContext: %v", err)
	}
	if ctxStr == "" {
		t.Fatalf("expected non-empty injectable context")
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Injected {
		t.Fatalf("expected job to be marked injected")
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("injected=true but status=%s, want succeeded (invariant violated)", got.Status)
	}

	// A job already injected must not be replayed into a second turn's context.
	again, err := s.InjectableContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("InjectableContext (second call): %v", err)
	}
	if again != "" {
		t.Fatalf("expected no context on replay, got %q", again)
	}
}

func TestCreateAndEnqueue_IdempotentReuseWithinTTL(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRunner(s, 1)

	job1, reused1, err := r.CreateAndEnqueue(ctx, CreateOptions{
		Type:           "evidence_pack",
		ConversationID: "conv-1",
		Payload:        []byte(`{"query":"x"}`),
		IdempotencyKey: "k",
	})
	if err != nil {
		t.Fatalf("CreateAndEnqueue: %v", err)
	}
	if reused1 {
		t.Fatalf("first create should not be a reuse")
	}

	if _, err := s.ClaimQueued(ctx, job1.ID); err != nil {
		t.Fatalf("ClaimQueued: %v", err)
	}
	if err := s.Finish(ctx, job1.ID, StatusSucceeded, &Result{OK: true, Summary: "done"}, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// evidence_pack has a 600s result TTL; a re-create with the same key
	// well inside that window must return the identical job id.
	job2, reused2, err := r.CreateAndEnqueue(ctx, CreateOptions{
		Type:           "evidence_pack",
		ConversationID: "conv-1",
		Payload:        []byte(`{"query":"x"}`),
		IdempotencyKey: "k",
	})
	if err != nil {
		t.Fatalf("CreateAndEnqueue (reuse): %v", err)
	}
	if !reused2 {
		t.Fatalf("expected reuse of succeeded job within TTL")
	}
	if job2.ID != job1.ID {
		t.Fatalf("reused job id = %s, want %s", job2.ID, job1.ID)
	}

	// force_new=true must bypass reuse unconditionally.
	job3, reused3, err := r.CreateAndEnqueue(ctx, CreateOptions{
		Type:           "evidence_pack",
		ConversationID: "conv-1",
		Payload:        []byte(`{"query":"x"}`),
		IdempotencyKey: "k",
		ForceNew:       true,
	})
	if err != nil {
		t.Fatalf("CreateAndEnqueue (force new): %v", err)
	}
	if reused3 {
		t.Fatalf("force_new must not reuse")
	}
	if job3.ID == job1.ID {
		t.Fatalf("force_new returned the same job id")
	}
}

func TestCreateAndEnqueue_ActiveJobAlwaysReused(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRunner(s, 1)

	job1, _, err := r.CreateAndEnqueue(ctx, CreateOptions{
		Type:           "kb_index",
		ConversationID: "conv-2",
		Payload:        []byte(`{}`),
		IdempotencyKey: "kb",
	})
	if err != nil {
		t.Fatalf("CreateAndEnqueue: %v", err)
	}

	// kb_index has no result-TTL reuse window, but a still-queued job with
	// the same key must still be reused (it hasn't reached a terminal state).
	job2, reused, err := r.CreateAndEnqueue(ctx, CreateOptions{
		Type:           "kb_index",
		ConversationID: "conv-2",
		Payload:        []byte(`{}`),
		IdempotencyKey: "kb",
	})
	if err != nil {
		t.Fatalf("CreateAndEnqueue (active reuse): %v", err)
	}
	if !reused || job2.ID != job1.ID {
		t.Fatalf("expected active-job reuse of %s, got %s reused=%v", job1.ID, job2.ID, reused)
	}
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 0; attempts < 20; attempts++ {
		d := backoff(attempts)
		if d < prev {
			t.Fatalf("backoff(%d) = %v, not monotone (prev %v)", attempts, d, prev)
		}
		if d > 30*time.Minute {
			t.Fatalf("backoff(%d) = %v, exceeds 30min cap", attempts, d)
		}
		prev = d
	}
}

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("context deadline exceeded"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("invalid payload: missing field"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isTransientError(c.err); got != c.want {
			t.Fatalf("isTransientError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIdempotencyKey_StableForSameInputs(t *testing.T) {
	k1 := IdempotencyKey("web_search", "conv-1", []byte(`{"q":"go"}`))
	k2 := IdempotencyKey("web_search", "conv-1", []byte(`{"q":"go"}`))
	if k1 != k2 {
		t.Fatalf("IdempotencyKey not stable across identical inputs")
	}
	k3 := IdempotencyKey("web_search", "conv-1", []byte(`{"q":"rust"}`))
	if k1 == k3 {
		t.Fatalf("IdempotencyKey collided across different payloads")
	}
}

func TestRequeueAllRunning_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	job := &Job{ID: newID(), Type: "web_search", MaxAttempts: 3}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ClaimQueued(ctx, job.ID); err != nil {
		t.Fatalf("ClaimQueued: %v", err)
	}

	if err := s.RequeueAllRunning(ctx); err != nil {
		t.Fatalf("RequeueAllRunning: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("status after crash recovery = %s, want queued", got.Status)
	}

	runnable, err := s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if len(runnable) != 1 || runnable[0].ID != job.ID {
		t.Fatalf("expected recovered job to be runnable again")
	}
}
