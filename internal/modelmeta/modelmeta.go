// Package modelmeta holds optional per-model timing metadata loaded from a
// local file or remote URL. The streaming service consults it when
// computing adaptive timeouts; adapters' built-in capability rules apply
// when no entry exists.
package modelmeta

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry describes timing hints for one model.
type Entry struct {
	Model            string `json:"model"`
	Provider         string `json:"provider,omitempty"`
	TypicalLatencyMs int    `json:"typical_latency_ms,omitempty"`
	MaxTimeoutMs     int    `json:"max_timeout_ms,omitempty"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// Store holds loaded metadata with simple lookups.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	source  string
	client  *http.Client
	logger  Logger
}

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// LoaderConfig controls where to load metadata from.
type LoaderConfig struct {
	LocalPath       string
	RemoteURL       string
	RefreshInterval time.Duration
	HTTPClient      *http.Client
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]Entry),
		client:  http.DefaultClient,
	}
}

// SetLogger sets an optional logger for warnings/errors.
func (s *Store) SetLogger(l Logger) {
	s.logger = l
}

// TypicalLatency returns (latency, true) if known; otherwise (0, false).
func (s *Store) TypicalLatency(model string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[strings.ToLower(strings.TrimSpace(model))]
	if !ok || e.TypicalLatencyMs <= 0 {
		return 0, false
	}
	return time.Duration(e.TypicalLatencyMs) * time.Millisecond, true
}

// MaxTimeout returns (cap, true) if known; otherwise (0, false).
func (s *Store) MaxTimeout(model string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[strings.ToLower(strings.TrimSpace(model))]
	if !ok || e.MaxTimeoutMs <= 0 {
		return 0, false
	}
	return time.Duration(e.MaxTimeoutMs) * time.Millisecond, true
}

// Load refreshes metadata from a local path (JSON array of Entry).
func (s *Store) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("modelmeta: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return 0, err
	}
	s.apply(entries, path)
	return len(entries), nil
}

// Fetch pulls metadata from a remote URL (JSON array of Entry).
func (s *Store) Fetch(url string) (int, error) {
	if strings.TrimSpace(url) == "" {
		return 0, errors.New("modelmeta: empty url")
	}
	client := s.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, errors.New(resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, err
	}
	s.apply(entries, url)
	return len(entries), nil
}

// apply replaces current entries.
func (s *Store) apply(entries []Entry, src string) {
	m := make(map[string]Entry)
	for _, e := range entries {
		model := strings.ToLower(strings.TrimSpace(e.Model))
		if model == "" {
			continue
		}
		m[model] = e
	}
	s.mu.Lock()
	s.entries = m
	s.source = src
	s.mu.Unlock()
}

// StartAutoRefresh starts a goroutine that periodically reloads from remote
// if set, else local.
func (s *Store) StartAutoRefresh(cfg LoaderConfig) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	if cfg.HTTPClient != nil {
		s.client = cfg.HTTPClient
	}
	reload := func() {
		if cfg.RemoteURL != "" {
			if _, err := s.Fetch(cfg.RemoteURL); err == nil {
				return
			} else if s.logger != nil {
				s.logger.Printf("modelmeta: remote fetch failed (%s): %v", cfg.RemoteURL, err)
			}
		}
		if cfg.LocalPath != "" {
			if _, err := s.Load(cfg.LocalPath); err != nil && s.logger != nil {
				s.logger.Printf("modelmeta: local load failed (%s): %v", cfg.LocalPath, err)
			}
		}
	}
	reload()
	ticker := time.NewTicker(cfg.RefreshInterval)
	go func() {
		for range ticker.C {
			reload()
		}
	}()
}
