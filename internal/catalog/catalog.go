// Package catalog records the progress and outcome of searches.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Step is the lifecycle stage of a search.
type Step string

const (
	StepInProgress Step = "in_progress"
	StepCompleted  Step = "completed"
)

// ErrSearchNotFound is returned by GetSearch for an unknown search.
var ErrSearchNotFound = errors.New("search not found")

// Update changes the recorded state of a search. Nil and empty fields keep
// their recorded value.
type Update struct {
	SearchID         string
	Step             Step
	ErrorMessage     string
	NBatches         *int
	CompletedBatches *int
	NTotalMatches    *int
	Started          *time.Time
	Finished         *time.Time
}

// Search is the recorded state of a search.
type Search struct {
	SearchID         string     `json:"searchId"`
	Step             Step       `json:"step"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	NBatches         *int       `json:"nBatches,omitempty"`
	CompletedBatches *int       `json:"completedBatches,omitempty"`
	NTotalMatches    *int       `json:"nTotalMatches,omitempty"`
	Started          *time.Time `json:"cdsStarted,omitempty"`
	Finished         *time.Time `json:"cdsFinished,omitempty"`
}

// Export describes a file exported from combined results.
type Export struct {
	SearchID string
	URI      string
	Format   string
	Checksum string
	RowCount int64
	ByteSize int64
}

// Catalog stores search state.
type Catalog interface {
	UpdateSearch(ctx context.Context, u Update) error
	GetSearch(ctx context.Context, searchID string) (*Search, error)
	RecordExport(ctx context.Context, e Export) error
	Close() error
}

// Config configures the catalog backend.
type Config struct {
	PostgresDSN string
}

// New opens the configured catalog; without a DSN searches are tracked in
// memory.
func New(cfg Config) (Catalog, error) {
	if cfg.PostgresDSN == "" {
		return NewMemory(), nil
	}
	return NewPostgres(cfg)
}

// Noop discards every update.
type Noop struct{}

func (Noop) UpdateSearch(context.Context, Update) error { return nil }

func (Noop) GetSearch(context.Context, string) (*Search, error) { return nil, ErrSearchNotFound }

func (Noop) RecordExport(context.Context, Export) error { return nil }

func (Noop) Close() error { return nil }

// Memory keeps search state in process.
type Memory struct {
	mu       sync.RWMutex
	searches map[string]*Search
	exports  map[string][]Export
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		searches: make(map[string]*Search),
		exports:  make(map[string][]Export),
	}
}

func (m *Memory) UpdateSearch(_ context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.searches[u.SearchID]
	if !ok {
		s = &Search{SearchID: u.SearchID, Step: StepInProgress}
		m.searches[u.SearchID] = s
	}
	apply(s, u)
	return nil
}

func (m *Memory) GetSearch(_ context.Context, searchID string) (*Search, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.searches[searchID]
	if !ok {
		return nil, ErrSearchNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) RecordExport(_ context.Context, e Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[e.SearchID] = append(m.exports[e.SearchID], e)
	return nil
}

// Exports returns the exports recorded for a search.
func (m *Memory) Exports(searchID string) []Export {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Export(nil), m.exports[searchID]...)
}

func (m *Memory) Close() error {
	return nil
}

func apply(s *Search, u Update) {
	if u.Step != "" {
		s.Step = u.Step
	}
	if u.ErrorMessage != "" {
		s.ErrorMessage = u.ErrorMessage
	}
	if u.NBatches != nil {
		s.NBatches = u.NBatches
	}
	if u.CompletedBatches != nil {
		s.CompletedBatches = u.CompletedBatches
	}
	if u.NTotalMatches != nil {
		s.NTotalMatches = u.NTotalMatches
	}
	if u.Started != nil {
		s.Started = u.Started
	}
	if u.Finished != nil {
		s.Finished = u.Finished
	}
}
