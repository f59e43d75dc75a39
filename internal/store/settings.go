package store

import (
	"context"
	"sync"
	"time"
)

// Settings is flat runtime configuration mutable through the HTTP surface,
// distinct from env-var process config: things an operator tunes without a
// restart (report category defaults, realtime-context toggles, roundtable
// defaults). Unknown keys round-trip through Extra so the HTTP layer can grow
// the schema without a store migration.
type Settings struct {
	ReportKBCategory     string         `json:"report_kb_category"`
	RealtimeDateEnabled  bool           `json:"realtime_date_enabled"`
	WebSearchEnabled     bool           `json:"web_search_enabled"`
	DefaultRoundtable    int            `json:"default_roundtable_rounds"`
	DefaultLively        LivelyParams   `json:"default_lively"`
	OutputLanguage       string         `json:"output_language"`
	Extra                map[string]any `json:"extra,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// SettingsStore persists data/settings.json.
type SettingsStore struct {
	path string
	mu   sync.RWMutex
	doc  Settings
}

// NewSettingsStore loads (or default-initializes) settings from path.
func NewSettingsStore(path string) (*SettingsStore, error) {
	s := &SettingsStore{path: path, doc: defaultSettings()}
	var loaded Settings
	if err := readJSONFile(path, &loaded); err != nil {
		return nil, err
	}
	if !loaded.UpdatedAt.IsZero() {
		s.doc = loaded
	}
	return s, nil
}

func defaultSettings() Settings {
	return Settings{
		ReportKBCategory:    "council_reports",
		RealtimeDateEnabled: true,
		WebSearchEnabled:    false,
		DefaultRoundtable:   0,
		DefaultLively:       LivelyParams{MaxMessages: 24, MaxTurns: 6, CheckpointEvery: 4},
		OutputLanguage:      "en",
	}
}

// Get returns the current settings snapshot.
func (s *SettingsStore) Get(_ context.Context) Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Update replaces the settings document and persists it atomically.
func (s *SettingsStore) Update(_ context.Context, next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next.UpdatedAt = time.Now().UTC()
	s.doc = next
	return atomicWriteFile(s.path, s.doc)
}
