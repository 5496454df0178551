package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter publishes search events.
type Emitter interface {
	Emit(ctx context.Context, evt *SearchEvent) error
	Close() error
}

// Config configures the emitter.
type Config struct {
	Enabled   bool
	Endpoint  string // HTTP endpoint; empty writes files only
	BackupDir string
}

// NewEmitter creates an emitter based on configuration. Events are always
// written to BackupDir; with an Endpoint they are also POSTed.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	chain, err := NewChainTracker(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	e := &ChainEmitter{
		chain:  chain,
		backup: backup,
		now:    time.Now,
		log:    slog.With("component", "audit"),
	}
	if cfg.Endpoint != "" {
		e.post = newHTTPPoster(cfg.Endpoint).postWithRetry
	}
	return e, nil
}

// Noop discards all events.
type Noop struct{}

func (Noop) Emit(context.Context, *SearchEvent) error { return nil }

func (Noop) Close() error { return nil }

// ChainEmitter links events into per-bucket hash chains, backs them up to
// files and optionally posts them to an endpoint.
type ChainEmitter struct {
	mu     sync.Mutex
	chain  *ChainTracker
	backup *FileBackup
	post   func(ctx context.Context, evt *SearchEvent) error
	now    func() time.Time
	log    *slog.Logger
}

// Emit fills the event identity and chain fields, then publishes it. The
// chain head only advances once the event was delivered.
func (e *ChainEmitter) Emit(ctx context.Context, evt *SearchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.Search.ChainKey()
	head, err := e.chain.GetHead(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = EventVersion
	evt.EventType = EventTypeCompleted
	evt.EventID = "cds_evt_" + uuid.NewString()
	evt.Timestamp = e.now().UTC()
	evt.Chain.PrevEventHash = head.EventHash
	evt.Chain.Sequence = head.Sequence + 1
	evt.Chain.EventHash = ComputeEventHash(evt)

	log := e.log.With("chain", chainKey, "job_id", evt.Search.JobID, "event_hash", evt.Chain.EventHash)

	if err := e.backup.Save(evt); err != nil {
		if e.post == nil {
			return err
		}
		log.Warn("event backup failed", "error", err)
	}
	if e.post != nil {
		if err := e.post(ctx, evt); err != nil {
			return fmt.Errorf("emit audit event: %w", err)
		}
	}

	if err := e.chain.Advance(evt); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	log.Info("emitted audit event", "prev_hash", head.EventHash, "sequence", evt.Chain.Sequence)
	return nil
}

func (e *ChainEmitter) Close() error { return nil }

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a file backup in dir.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the backup file of an event.
func (f *FileBackup) Path(evt *SearchEvent) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s.json", evt.Search.SearchBucket, evt.Search.JobID))
}

// Save writes an event to its backup file.
func (f *FileBackup) Save(evt *SearchEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.Path(evt), data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

type httpPoster struct {
	endpoint string
	client   *http.Client
	retries  int
	delay    time.Duration
}

func newHTTPPoster(endpoint string) *httpPoster {
	return &httpPoster{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		retries:  3,
		delay:    time.Second,
	}
}

// postWithRetry sends the event with exponential backoff between attempts.
func (p *httpPoster) postWithRetry(ctx context.Context, evt *SearchEvent) error {
	var lastErr error
	delay := p.delay
	for attempt := 1; attempt <= p.retries; attempt++ {
		err := p.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < p.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.retries, lastErr)
}

func (p *httpPoster) post(ctx context.Context, evt *SearchEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}
