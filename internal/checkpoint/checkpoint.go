// Package checkpoint persists which batches of a search job were dispatched,
// so a restarted dispatch does not invoke them twice.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents the dispatch progress of one job.
type Checkpoint struct {
	JobID      string    `json:"job_id"`
	Total      int       `json:"total_batches"`
	Dispatched []int     `json:"dispatched_batches"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Has reports whether batchID was already dispatched.
func (cp *Checkpoint) Has(batchID int) bool {
	if cp == nil {
		return false
	}
	i := sort.SearchInts(cp.Dispatched, batchID)
	return i < len(cp.Dispatched) && cp.Dispatched[i] == batchID
}

// Add marks batchID as dispatched, keeping Dispatched sorted.
func (cp *Checkpoint) Add(batchID int) {
	i := sort.SearchInts(cp.Dispatched, batchID)
	if i < len(cp.Dispatched) && cp.Dispatched[i] == batchID {
		return
	}
	cp.Dispatched = append(cp.Dispatched, 0)
	copy(cp.Dispatched[i+1:], cp.Dispatched[i:])
	cp.Dispatched[i] = batchID
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of a job.
	Load(ctx context.Context, jobID string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files, one per job.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(jobID string) string {
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(jobID)
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", safe))
}

// Load reads the checkpoint of jobID from file.
func (m *fileManager) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	sort.Ints(cp.Dispatched)

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.JobID == "" {
		return errors.New("checkpoint without job id")
	}
	path := m.checkpointPath(cp.JobID)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
