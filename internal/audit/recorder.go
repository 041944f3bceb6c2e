// Package audit persists a durable trail of every enforcement decision:
// one JSON file per evaluation for forensics, plus a SQLite history for
// queries across runs.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"riskguard/internal/enforce"
	"riskguard/internal/risk"
)

// Entry is the full story of one evaluation cycle for one account: what
// the engine saw, what it decided, and how enforcement went.
type Entry struct {
	CorrelationID string                 `json:"correlationId"`
	RecordedAt    time.Time              `json:"recordedAt"`
	Context       risk.EvaluationContext `json:"context"`
	Plan          risk.ActionPlan        `json:"plan"`
	Outcome       enforce.Result         `json:"outcome"`
}

// Recorder writes one file per correlation ID so a single decision can be
// pulled up without parsing a shared log.
type Recorder struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewRecorder creates the audit directory if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Record persists the entry under <correlationId>.json, atomically via
// rename. A duplicate correlation ID overwrites the earlier file.
func (r *Recorder) Record(entry Entry) error {
	if entry.CorrelationID == "" {
		return fmt.Errorf("audit entry missing correlation id")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	tmp, err := os.CreateTemp(r.dir, ".audit-*")
	if err != nil {
		return fmt.Errorf("create audit temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close audit entry: %w", err)
	}
	target := filepath.Join(r.dir, entry.CorrelationID+".json")
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename audit entry: %w", err)
	}
	return nil
}

// Load reads a previously recorded entry back by correlation ID.
func (r *Recorder) Load(correlationID string) (Entry, error) {
	var entry Entry
	data, err := os.ReadFile(filepath.Join(r.dir, correlationID+".json"))
	if err != nil {
		return entry, fmt.Errorf("read audit entry: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decode audit entry: %w", err)
	}
	return entry, nil
}
