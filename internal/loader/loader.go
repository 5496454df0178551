// Package loader reads objects through an ObjectStore with a bounded retry
// budget.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

const (
	DefaultAttempts = 5
	DefaultPause    = 200 * time.Millisecond
)

// ErrExhausted is returned when an object could not be read within the retry
// budget. It wraps the last transport error.
var ErrExhausted = errors.New("retry budget exhausted")

// Config configures a Loader.
type Config struct {
	Attempts int
	Pause    time.Duration
}

// Loader wraps an ObjectStore with retries. It holds no per-call state and
// may be shared by concurrent callers.
type Loader struct {
	store    storage.ObjectStore
	attempts int
	pause    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// New creates a loader. Non-positive settings fall back to the defaults.
func New(store storage.ObjectStore, cfg Config) *Loader {
	if cfg.Attempts < 1 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	return &Loader{
		store:    store,
		attempts: cfg.Attempts,
		pause:    cfg.Pause,
		sleep:    sleepContext,
		log:      slog.With("component", "loader"),
	}
}

// Store returns the underlying object store.
func (l *Loader) Store() storage.ObjectStore {
	return l.store
}

// LoadFull reads a whole object. Absent objects return storage.ErrNotFound
// without retrying.
func (l *Loader) LoadFull(ctx context.Context, bucket, key string) ([]byte, error) {
	return l.retry(ctx, "load_full", bucket, key, func() ([]byte, error) {
		return l.store.Get(ctx, bucket, key)
	})
}

// LoadRange reads the bytes [start, end) of an object; end <= 0 reads to the
// end of the object. A range the object cannot serve returns
// storage.ErrRangeUnsatisfiable without retrying.
func (l *Loader) LoadRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	if start <= 0 && end <= 0 {
		return l.LoadFull(ctx, bucket, key)
	}
	return l.retry(ctx, "load_range", bucket, key, func() ([]byte, error) {
		return l.store.GetRange(ctx, bucket, key, start, end)
	})
}

// LoadFirstMatching lists the objects under key with its extension stripped
// and loads the lexicographically first one whose extension is in exts (any
// extension when exts is empty). It returns the data and the resolved key.
//
// Companion objects are optional, so an empty key, no candidate, or a lookup
// that exhausts its retries all report storage.ErrNotFound.
func (l *Loader) LoadFirstMatching(ctx context.Context, bucket, key string, exts ...string) ([]byte, string, error) {
	if key == "" {
		return nil, "", storage.ErrNotFound
	}
	prefix := storage.StripExtension(key)

	var keys []string
	_, err := l.retry(ctx, "list", bucket, prefix, func() ([]byte, error) {
		var err error
		keys, err = l.store.List(ctx, bucket, prefix)
		return nil, err
	})
	if err != nil {
		return nil, "", l.degrade(err, bucket, prefix)
	}

	var candidates []string
	for _, k := range keys {
		if len(exts) == 0 || slices.Contains(exts, storage.Extension(k)) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no object matching %s/%s: %w", bucket, prefix, storage.ErrNotFound)
	}
	slices.Sort(candidates)

	match := candidates[0]
	data, err := l.LoadFull(ctx, bucket, match)
	if err != nil {
		return nil, "", l.degrade(err, bucket, match)
	}
	return data, match, nil
}

// degrade turns an exhausted companion lookup into an absent object.
func (l *Loader) degrade(err error, bucket, key string) error {
	if errors.Is(err, ErrExhausted) {
		l.log.Warn("treating unreadable companion as absent",
			"bucket", bucket,
			"key", key,
			"error", err,
		)
		return fmt.Errorf("%s/%s unreadable: %w", bucket, key, storage.ErrNotFound)
	}
	return err
}

// retry runs op until it succeeds, reports an absent object or an
// unsatisfiable range, or the budget is spent. The first attempt runs without a pause.
func (l *Loader) retry(ctx context.Context, operation, bucket, key string, op func() ([]byte, error)) ([]byte, error) {
	labels := metrics.Labels{Operation: operation}
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if attempt > 0 {
			if m := metrics.Get(); m != nil {
				m.IncLoadRetries(labels)
			}
			if err := l.sleep(ctx, l.pause); err != nil {
				return nil, err
			}
		}

		data, err := op()
		if err == nil {
			if m := metrics.Get(); m != nil {
				m.ObserveLoad(labels, time.Since(start).Seconds(), len(data))
			}
			return data, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			if m := metrics.Get(); m != nil {
				m.IncLoadNotFound(labels)
			}
			return nil, err
		}
		if errors.Is(err, storage.ErrRangeUnsatisfiable) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		l.log.Debug("load attempt failed",
			"operation", operation,
			"bucket", bucket,
			"key", key,
			"attempt", attempt+1,
			"error", err,
		)
	}

	if m := metrics.Get(); m != nil {
		m.IncLoadExhausted(labels)
	}
	l.log.Error("load failed",
		"operation", operation,
		"bucket", bucket,
		"key", key,
		"attempts", l.attempts,
		"error", lastErr,
	)
	return nil, fmt.Errorf("%s %s/%s after %d attempts: %w: %w", operation, bucket, key, l.attempts, ErrExhausted, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
