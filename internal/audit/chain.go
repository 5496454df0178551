package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const headsFile = "audit-chain-heads.json"

// ErrNoChainHead is returned for a search bucket that has no delivered event.
var ErrNoChainHead = errors.New("no chain head found")

// Head is the last delivered event of a chain.
type Head struct {
	EventHash string    `json:"event_hash"`
	EventID   string    `json:"event_id"`
	JobID     string    `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChainTracker persists the head of every search bucket chain in one JSON
// file under dir.
type ChainTracker struct {
	mu    sync.RWMutex
	heads map[string]Head
	path  string
}

// NewChainTracker loads the heads saved under dir, creating it if needed.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	ct := &ChainTracker{heads: make(map[string]Head), path: filepath.Join(dir, headsFile)}
	data, err := os.ReadFile(ct.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ct, nil
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	}
	if err := json.Unmarshal(data, &ct.heads); err != nil {
		return nil, fmt.Errorf("decode chain heads %s: %w", ct.path, err)
	}
	return ct, nil
}

// GetHead returns the head of chainKey or ErrNoChainHead.
func (ct *ChainTracker) GetHead(chainKey string) (Head, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	h, ok := ct.heads[chainKey]
	if !ok || h.EventHash == "" {
		return Head{}, ErrNoChainHead
	}
	return h, nil
}

// Advance makes evt the head of its chain and persists all heads.
func (ct *ChainTracker) Advance(evt *SearchEvent) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[evt.Search.ChainKey()] = Head{
		EventHash: evt.Chain.EventHash,
		EventID:   evt.EventID,
		JobID:     evt.Search.JobID,
		Sequence:  evt.Chain.Sequence,
		UpdatedAt: evt.Timestamp,
	}
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := ct.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	return os.Rename(tmp, ct.path)
}
