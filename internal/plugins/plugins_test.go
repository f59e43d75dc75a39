package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"council/internal/jobs"
)

type fakeTool struct {
	name   string
	result any
	err    error
}

func (f *fakeTool) Name() string                     { return f.name }
func (f *fakeTool) JSONSchema() map[string]any        { return map[string]any{} }
func (f *fakeTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	return f.result, f.err
}

func newJob(jobType string, payload any) *jobs.Job {
	raw, _ := json.Marshal(payload)
	return &jobs.Job{ID: "job-1", Type: jobType, Payload: raw, MaxAttempts: 3}
}

func TestWebSearchHandler_WrapsToolResult(t *testing.T) {
	tool := &fakeTool{name: "web_search", result: map[string]any{
		"ok":      true,
		"results": []any{map[string]any{"title": "A", "url": "https://a", "snippet": "s"}},
	}}
	h := NewWebSearchHandler(tool)
	job := newJob("web_search", webSearchPayload{Query: "go concurrency", MaxResults: 3})

	res, err := h.Run(context.Background(), job, func(int) {})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Summary, "go concurrency")
}

func TestWebSearchHandler_PropagatesToolFailure(t *testing.T) {
	tool := &fakeTool{name: "web_search", result: map[string]any{"ok": false, "error": "rate limited"}}
	h := NewWebSearchHandler(tool)
	job := newJob("web_search", webSearchPayload{Query: "x"})

	_, err := h.Run(context.Background(), job, func(int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestEvidencePackHandler_CollectsNonFatalErrors(t *testing.T) {
	tool := &fakeTool{name: "web_search", err: assert.AnError}
	h := NewEvidencePackHandler(tool, nil)
	job := newJob("evidence_pack", evidencePackPayload{Query: "x"})

	res, err := h.Run(context.Background(), job, func(int) {})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Errors)
}

func TestEvidencePackHandler_RequiresQuery(t *testing.T) {
	h := NewEvidencePackHandler(&fakeTool{}, nil)
	job := newJob("evidence_pack", evidencePackPayload{})

	_, err := h.Run(context.Background(), job, func(int) {})
	require.Error(t, err)
}

func TestInferKind(t *testing.T) {
	assert.Equal(t, "docx", inferKind("report.DOCX"))
	assert.Equal(t, "xlsx", inferKind("data.xlsx"))
	assert.Equal(t, "", inferKind("notes.txt"))
}

func TestContainsStr(t *testing.T) {
	assert.True(t, containsStr([]string{"a", "b"}, "b"))
	assert.False(t, containsStr([]string{"a", "b"}, "c"))
}

func TestOfficeIngestHandler_RejectsUnsupportedKind(t *testing.T) {
	h := NewOfficeIngestHandler(nil, nil, nil, nil)
	job := newJob("office_ingest", officeIngestPayload{DocID: "d1", Kind: "pdf", ContentBase64: "AA=="})

	_, err := h.Run(context.Background(), job, func(int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported kind")
}

func TestOfficeIngestHandler_RequiresDocID(t *testing.T) {
	h := NewOfficeIngestHandler(nil, nil, nil, nil)
	job := newJob("office_ingest", officeIngestPayload{ContentBase64: "AA=="})

	_, err := h.Run(context.Background(), job, func(int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doc_id")
}

func TestSearchArxiv_ParsesAtomFeed(t *testing.T) {
	const atom = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/1234.5678v1</id>
    <title>Attention and Go Schedulers</title>
    <summary>A study of goroutine scheduling under load.</summary>
    <published>2023-05-01T00:00:00Z</published>
    <author><name>Ada Lovelace</name></author>
  </entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atom))
	}))
	defer srv.Close()

	papers, err := searchArxivAt(context.Background(), srv.Client(), srv.URL, "go schedulers", 5)
	require.NoError(t, err)
	require.Len(t, papers, 1)
	assert.Equal(t, "arxiv", papers[0].Source)
	assert.Equal(t, "Attention and Go Schedulers", papers[0].Title)
	assert.Equal(t, "Ada Lovelace", papers[0].Authors)
	assert.Equal(t, "2023", papers[0].Year)
}

func TestSearchArxiv_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := searchArxivAt(context.Background(), srv.Client(), srv.URL, "x", 5)
	require.Error(t, err)
}

func TestPaperSearchHandler_SkipsOptionalSourcesWhenUnconfigured(t *testing.T) {
	const atom = `<?xml version="1.0" encoding="UTF-8"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(atom))
	}))
	defer srv.Close()

	h := newPaperSearchHandlerAt(srv.Client(), srv.URL, "", false)
	job := newJob("paper_search", paperSearchPayload{Query: "x"})

	res, err := h.Run(context.Background(), job, func(int) {})
	require.NoError(t, err)
	assert.True(t, res.OK)
}
