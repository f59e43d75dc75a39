// Package jobs implements the persistent job queue described in spec §4.6:
// a sqlite-backed store, CAS claim protocol, per-job-type concurrency caps,
// exponential backoff, idempotency-key reuse, and crash recovery. Grounded
// in the teacher's internal/orchestrator package — handler.go's
// isTransientError classification and backoff idiom, dedupe.go's
// DedupeStore/RedisDedupeStore TTL pattern repurposed as the sqlite-backed
// idempotency-key reuse lookup — generalized from Kafka-delivered commands
// to an in-process queue.
package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job ID has no matching row.
var ErrNotFound = errors.New("jobs: not found")

func newID() string { return uuid.NewString() }

// Status is one of the fixed job lifecycle states; terminal states are sticky.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Result is a tool handler's outcome, persisted as the job's result JSON.
type Result struct {
	OK      bool            `json:"ok"`
	Summary string          `json:"summary"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

// Job is one unit of work in the persistent queue.
type Job struct {
	ID             string
	Type           string
	ConversationID string
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	Progress       int // 0-100
	Result         *Result
	Error          string
	Injected       bool
	IdempotencyKey string
	RunAfter       time.Time
	TimeoutSeconds int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// defaultTimeoutSeconds are the per-job_type timeout defaults named in spec §4.6.
var defaultTimeoutSeconds = map[string]int{
	"kg_extract":    1800,
	"kb_index":      1200,
	"office_ingest": 600,
	"web_search":    300,
	"evidence_pack": 480,
	"paper_search":  300,
}

// defaultResultTTLSeconds are the per-job_type succeeded-result reuse windows;
// a zero value means no reuse of a succeeded job for that type.
var defaultResultTTLSeconds = map[string]int{
	"web_search":    300,
	"evidence_pack": 600,
	"paper_search":  600,
}

// defaultTypeConcurrency are the per-job_type semaphore widths named in spec §4.6.
var defaultTypeConcurrency = map[string]int{
	"kg_extract":    1,
	"kb_index":      1,
	"office_ingest": 1,
	"web_search":    2,
	"evidence_pack": 2,
	"paper_search":  2,
}

func timeoutFor(jobType string, override int) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Second
	}
	if s, ok := defaultTimeoutSeconds[jobType]; ok {
		return time.Duration(s) * time.Second
	}
	return 5 * time.Minute
}

func resultTTLFor(jobType string) time.Duration {
	return time.Duration(defaultResultTTLSeconds[jobType]) * time.Second
}

func concurrencyFor(jobType string) int {
	if n, ok := defaultTypeConcurrency[jobType]; ok {
		return n
	}
	return 1
}

// backoff computes the exponential retry delay named in spec §4.6:
// min(30min, 2^min(15, attempts+1)) seconds.
func backoff(attempts int) time.Duration {
	exp := attempts + 1
	if exp > 15 {
		exp = 15
	}
	secs := 1 << uint(exp)
	d := time.Duration(secs) * time.Second
	if d > 30*time.Minute {
		d = 30 * time.Minute
	}
	return d
}

// isTransientError mirrors the teacher's isTransientError heuristic: a
// simple substring scan of the error text for the usual retry signals.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "temporary", "temporarily unavailable", "transient", "retry", "too many requests", "context deadline exceeded"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
