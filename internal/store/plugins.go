package store

import (
	"context"
	"sync"
	"time"
)

// PluginConfig is one tool plugin's enabled flag and free-form configuration,
// persisted through data/plugins.json. Disabling a tool here removes its
// handler from the runtime registry so job creation for that type is
// rejected (spec §4.7).
type PluginConfig struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
}

type pluginsDoc struct {
	Plugins   map[string]PluginConfig `json:"plugins"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// PluginStore persists data/plugins.json.
type PluginStore struct {
	path string
	mu   sync.RWMutex
	doc  pluginsDoc
}

// NewPluginStore loads (or default-initializes) the plugin registry config,
// enabling every name in defaultNames that isn't already present.
func NewPluginStore(path string, defaultNames []string) (*PluginStore, error) {
	s := &PluginStore{path: path, doc: pluginsDoc{Plugins: map[string]PluginConfig{}}}
	if err := readJSONFile(path, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Plugins == nil {
		s.doc.Plugins = map[string]PluginConfig{}
	}
	dirty := false
	for _, name := range defaultNames {
		if _, ok := s.doc.Plugins[name]; !ok {
			s.doc.Plugins[name] = PluginConfig{Name: name, Enabled: true}
			dirty = true
		}
	}
	if dirty {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// IsEnabled reports whether a named tool is currently enabled.
func (s *PluginStore) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Plugins[name].Enabled
}

// Get returns the configuration for a named tool.
func (s *PluginStore) Get(name string) PluginConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Plugins[name]
}

// List returns every plugin's configuration.
func (s *PluginStore) List(_ context.Context) []PluginConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PluginConfig, 0, len(s.doc.Plugins))
	for _, p := range s.doc.Plugins {
		out = append(out, p)
	}
	return out
}

// Set updates one plugin's configuration (enabled flag and/or config map).
func (s *PluginStore) Set(_ context.Context, cfg PluginConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Plugins[cfg.Name] = cfg
	return s.saveLocked()
}

func (s *PluginStore) saveLocked() error {
	s.doc.UpdatedAt = time.Now().UTC()
	return atomicWriteFile(s.path, s.doc)
}
