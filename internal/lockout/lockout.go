// Package lockout persists time-bounded trading blocks as JSON files, one
// per account plus an optional global lock.
package lockout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State classifies the result of a lockout check.
type State int

const (
	Absent State = iota
	Expired
	Active
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "absent"
	}
}

// Record is the persisted lock. An empty AccountID scopes the lock to every
// account. Until must be strictly after CreatedAt at creation time; once
// the clock passes Until the record is treated as absent.
type Record struct {
	Locked    bool      `json:"locked"`
	Reason    string    `json:"reason"`
	AccountID string    `json:"account_id"`
	Until     time.Time `json:"until"`
	CreatedAt time.Time `json:"created_at"`
}

const globalfile = "global.json"

// Store reads and writes lock records under a single directory.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// Option configures Store construction.
type Option func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates the lock directory if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lockout dir: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(accountID string) string {
	if accountID == "" {
		return filepath.Join(s.dir, globalfile)
	}
	return filepath.Join(s.dir, accountID+".json")
}

// Create persists the record atomically: a reader never observes a partial
// write because the file appears via rename. Overwrites any existing lock
// for the same scope.
func (s *Store) Create(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if !rec.Until.After(rec.CreatedAt) {
		return fmt.Errorf("lockout until %s must be after created_at %s", rec.Until, rec.CreatedAt)
	}
	rec.Locked = true

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lockout: %w", err)
	}
	target := s.path(rec.AccountID)
	tmp, err := os.CreateTemp(s.dir, ".lock-*")
	if err != nil {
		return fmt.Errorf("create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close lock file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

// Check reports the lock state for an account, consulting the global lock
// first. Expired records are removed best-effort and reported Expired,
// which callers treat the same as Absent.
func (s *Store) Check(accountID string) (State, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, rec, err := s.read(s.path(""))
	if err != nil {
		return Absent, Record{}, err
	}
	if state == Active {
		return Active, rec, nil
	}
	globalState := state

	state, rec, err = s.read(s.path(accountID))
	if err != nil {
		return Absent, Record{}, err
	}
	if state == Absent && globalState == Expired {
		return Expired, Record{}, nil
	}
	return state, rec, nil
}

// Clear removes the lock for an account scope, ignoring a missing file.
func (s *Store) Clear(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(accountID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (s *Store) read(path string) (State, Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Absent, Record{}, nil
	}
	if err != nil {
		return Absent, Record{}, fmt.Errorf("read lock file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Absent, Record{}, fmt.Errorf("decode lock file %s: %w", path, err)
	}
	if !rec.Locked {
		return Absent, Record{}, nil
	}
	if !s.now().Before(rec.Until) {
		_ = os.Remove(path)
		return Expired, rec, nil
	}
	return Active, rec, nil
}
