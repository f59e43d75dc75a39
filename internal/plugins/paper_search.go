package plugins

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"council/internal/jobs"
)

type paperSearchPayload struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SerpAPIKey  string `json:"serpapi_key"`
	CNKIEnabled bool   `json:"cnki_enabled"`
}

// Paper is one hit returned by paper_search, tagged with the source that
// produced it so the caller can weigh arXiv preprints against indexed
// journal hits differently.
type Paper struct {
	Source  string `json:"source"` // "arxiv" | "scholar" | "cnki"
	Title   string `json:"title"`
	Authors string `json:"authors,omitempty"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
	Year    string `json:"year,omitempty"`
}

// NewPaperSearchHandler queries arXiv's Atom API and, when configured,
// layers in a SerpAPI Google Scholar lookup and a headless-browser CNKI
// lookup. Each source's failure is collected rather than aborting the whole
// job, since any one of the three is optional (spec §4.7 paper_search).
func NewPaperSearchHandler(httpClient *http.Client, serpAPIKey string, cnkiEnabled bool) jobs.Handler {
	return newPaperSearchHandlerAt(httpClient, arxivAPIURL, serpAPIKey, cnkiEnabled)
}

// newPaperSearchHandlerAt is NewPaperSearchHandler with the arXiv endpoint
// overridable, so tests can point it at an httptest server.
func newPaperSearchHandlerAt(httpClient *http.Client, arxivURL, serpAPIKey string, cnkiEnabled bool) jobs.Handler {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p paperSearchPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("paper_search: bad payload: %w", err)
		}
		if p.Query == "" {
			return nil, fmt.Errorf("paper_search: query is required")
		}
		max := p.MaxResults
		if max <= 0 {
			max = 10
		}
		key := p.SerpAPIKey
		if key == "" {
			key = serpAPIKey
		}

		var papers []Paper
		var errs []string

		progress(10)
		arxivPapers, err := searchArxivAt(ctx, httpClient, arxivURL, p.Query, max)
		if err != nil {
			errs = append(errs, "arxiv: "+err.Error())
		}
		papers = append(papers, arxivPapers...)

		progress(40)
		if jobs.Cancelled(ctx) {
			return nil, ctx.Err()
		}
		if key != "" {
			scholarPapers, err := searchScholar(ctx, httpClient, key, p.Query, max)
			if err != nil {
				errs = append(errs, "scholar: "+err.Error())
			}
			papers = append(papers, scholarPapers...)
		}

		progress(70)
		if jobs.Cancelled(ctx) {
			return nil, ctx.Err()
		}
		if cnkiEnabled && p.CNKIEnabled {
			cnkiPapers, err := searchCNKI(ctx, p.Query, max)
			if err != nil {
				errs = append(errs, "cnki: "+err.Error())
			}
			papers = append(papers, cnkiPapers...)
		}

		progress(100)
		data, _ := json.Marshal(map[string]any{"papers": papers, "errors": errs})
		return &jobs.Result{
			OK:      true,
			Summary: fmt.Sprintf("paper search for %q returned %d results across %d source(s) (%d errors)", p.Query, len(papers), sourceCount(p, key, cnkiEnabled), len(errs)),
			Data:    data,
			Errors:  errs,
		}, nil
	})
}

func sourceCount(p paperSearchPayload, key string, cnkiEnabled bool) int {
	n := 1 // arxiv always attempted
	if key != "" {
		n++
	}
	if cnkiEnabled && p.CNKIEnabled {
		n++
	}
	return n
}

const arxivAPIURL = "http://export.arxiv.org/api/query"

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	Title     string         `xml:"title"`
	Summary   string         `xml:"summary"`
	Published string         `xml:"published"`
	ID        string         `xml:"id"`
	Authors   []arxivAuthor  `xml:"author"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

// searchArxivAt queries arXiv's public Atom feed API directly; no API key is
// required and the wire format is a plain Atom feed, so this is parsed with
// encoding/xml rather than any third-party client. baseURL is overridable for
// tests; production callers always pass arxivAPIURL.
func searchArxivAt(ctx context.Context, client *http.Client, baseURL, query string, max int) ([]Paper, error) {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprintf("%d", max))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse atom feed: %w", err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		authors := make([]string, 0, len(e.Authors))
		for _, a := range e.Authors {
			authors = append(authors, a.Name)
		}
		year := ""
		if len(e.Published) >= 4 {
			year = e.Published[:4]
		}
		papers = append(papers, Paper{
			Source:  "arxiv",
			Title:   strings.TrimSpace(strings.ReplaceAll(e.Title, "\n", " ")),
			Authors: strings.Join(authors, ", "),
			URL:     strings.TrimSpace(e.ID),
			Summary: strings.TrimSpace(strings.ReplaceAll(e.Summary, "\n", " ")),
			Year:    year,
		})
	}
	return papers, nil
}

// searchScholar uses SerpAPI's Google Scholar engine, the pack's pattern for
// wrapping a paid search API behind a simple GET+JSON call.
func searchScholar(ctx context.Context, client *http.Client, apiKey, query string, max int) ([]Paper, error) {
	q := url.Values{}
	q.Set("engine", "google_scholar")
	q.Set("q", query)
	q.Set("api_key", apiKey)
	q.Set("num", fmt.Sprintf("%d", max))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://serpapi.com/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serpapi returned status %d", resp.StatusCode)
	}

	var out struct {
		OrganicResults []struct {
			Title     string `json:"title"`
			Link      string `json:"link"`
			Snippet   string `json:"snippet"`
			PublicationInfo struct {
				Summary string `json:"summary"`
			} `json:"publication_info"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode serpapi response: %w", err)
	}

	papers := make([]Paper, 0, len(out.OrganicResults))
	for _, r := range out.OrganicResults {
		if len(papers) >= max {
			break
		}
		papers = append(papers, Paper{
			Source:  "scholar",
			Title:   r.Title,
			URL:     r.Link,
			Summary: r.Snippet,
			Authors: r.PublicationInfo.Summary,
		})
	}
	return papers, nil
}

var cnkiYearRE = regexp.MustCompile(`(19|20)\d{2}`)

// searchCNKI drives a headless Chrome instance against CNKI's public search
// page, adapted from this repo's old direct-chromedp DuckDuckGo scraper:
// navigate, wait for the query box, submit, wait for render, then pull the
// result anchors out of the DOM. CNKI has no public API, so this is the only
// way to reach it; it is gated behind config and skipped by default because
// it needs a real Chrome binary on the host.
func searchCNKI(ctx context.Context, query string, max int) ([]Paper, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancel = context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()

	var nodes []*cdp.Node
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(`https://kns.cnki.net/kns8/defaultresult/index`),
		chromedp.WaitVisible(`input.search-input`, chromedp.ByQuery),
		chromedp.SendKeys(`input.search-input`, query+kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(4*time.Second),
		chromedp.Nodes(`.result-table-list a.fz14`, &nodes, chromedp.ByQueryAll),
	)
	if err != nil {
		return nil, fmt.Errorf("cnki navigate/search: %w", err)
	}

	papers := make([]Paper, 0, max)
	for _, n := range nodes {
		if len(papers) >= max {
			break
		}
		title := strings.TrimSpace(cdpNodeText(n))
		if title == "" {
			continue
		}
		href := ""
		for i := 0; i+1 < len(n.Attributes); i += 2 {
			if n.Attributes[i] == "href" {
				href = n.Attributes[i+1]
			}
		}
		papers = append(papers, Paper{
			Source: "cnki",
			Title:  title,
			URL:    href,
			Year:   cnkiYearRE.FindString(title),
		})
	}
	return papers, nil
}

func cdpNodeText(n *cdp.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range n.Children {
		if c.NodeType == cdp.NodeTypeText {
			b.WriteString(c.NodeValue)
		} else {
			b.WriteString(cdpNodeText(c))
		}
	}
	return b.String()
}
