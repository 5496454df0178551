// Package audit emits tamper-evident events for completed searches.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	EventVersion       = "1.0"
	EventTypeCompleted = "cds_search_completed"
)

// SearchEvent records the outcome of one combined search.
type SearchEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Search   SearchInfo            `json:"search"`
	Outputs  map[string]OutputInfo `json:"outputs"`
	Producer ProducerInfo          `json:"producer"`
	Chain    ChainInfo             `json:"chain"`
}

// SearchInfo identifies the search and its outcome.
type SearchInfo struct {
	SearchBucket  string `json:"search_bucket"`
	JobID         string `json:"job_id"`
	SearchID      string `json:"search_id"`
	NTotalMatches int    `json:"n_total_matches"`
	Masks         int    `json:"masks"`
	TimedOut      bool   `json:"timed_out"`
	WithErrors    bool   `json:"with_errors"`
}

// OutputInfo describes one object written by the search.
type OutputInfo struct {
	URI      string `json:"uri"`
	Checksum string `json:"checksum,omitempty"`
	RowCount int64  `json:"row_count,omitempty"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the results.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links events of one search bucket into a hash chain.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
	Sequence      int64  `json:"sequence"`
}

// ChainKey returns the chain the event belongs to.
func (s SearchInfo) ChainKey() string {
	return s.SearchBucket
}

// ComputeEventHash returns the SHA256 of the event's JSON encoding with an
// empty event hash.
func ComputeEventHash(evt *SearchEvent) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
