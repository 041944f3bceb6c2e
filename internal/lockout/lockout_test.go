package lockout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func clockAt(at *time.Time, mu *sync.Mutex) func() time.Time {
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *at
	}
}

func TestCreateThenCheckLifecycle(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(t.TempDir(), WithClock(clockAt(&now, &mu)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	state, _, err := store.Check("acct-1")
	if err != nil || state != Absent {
		t.Fatalf("expected absent before create, got %s err %v", state, err)
	}

	rec := Record{AccountID: "acct-1", Reason: "daily loss", Until: now.Add(24 * time.Hour)}
	if err := store.Create(rec); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	state, got, err := store.Check("acct-1")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if state != Active {
		t.Fatalf("expected active, got %s", state)
	}
	if got.Reason != "daily loss" || !got.Locked {
		t.Fatalf("unexpected record %+v", got)
	}

	// Other accounts are unaffected by an account-scoped lock.
	state, _, _ = store.Check("acct-2")
	if state != Absent {
		t.Fatalf("expected acct-2 absent, got %s", state)
	}

	mu.Lock()
	now = now.Add(25 * time.Hour)
	mu.Unlock()

	state, _, err = store.Check("acct-1")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if state != Expired {
		t.Fatalf("expected expired after until, got %s", state)
	}

	// The expired file was removed, so the next check reports absent.
	state, _, _ = store.Check("acct-1")
	if state != Absent {
		t.Fatalf("expected absent after expiry cleanup, got %s", state)
	}
}

func TestGlobalLockCoversEveryAccount(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(t.TempDir(), WithClock(clockAt(&now, &mu)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	if err := store.Create(Record{Reason: "platform halt", Until: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	for _, acct := range []string{"acct-1", "acct-2"} {
		state, rec, err := store.Check(acct)
		if err != nil {
			t.Fatalf("Check returned error: %v", err)
		}
		if state != Active || rec.Reason != "platform halt" {
			t.Fatalf("expected global lock for %s, got %s %+v", acct, state, rec)
		}
	}
}

func TestCreateRejectsInvertedWindow(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(t.TempDir(), WithClock(clockAt(&now, &mu)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	if err := store.Create(Record{AccountID: "acct-1", Until: now.Add(-time.Minute)}); err == nil {
		t.Fatalf("expected error for until in the past")
	}
}

func TestPersistedShape(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(dir, WithClock(clockAt(&now, &mu)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	if err := store.Create(Record{AccountID: "acct-1", Reason: "test", Until: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "acct-1.json"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("lock file is not valid json: %v", err)
	}
	for _, key := range []string{"locked", "reason", "account_id", "until", "created_at"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("lock file missing %q: %s", key, data)
		}
	}
	if raw["locked"] != true {
		t.Fatalf("expected locked true, got %v", raw["locked"])
	}
	// Timestamps must serialize as ISO-8601 strings.
	if _, err := time.Parse(time.RFC3339, raw["until"].(string)); err != nil {
		t.Fatalf("until is not ISO-8601: %v", err)
	}
}

func TestClear(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, err := NewStore(t.TempDir(), WithClock(clockAt(&now, &mu)))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	if err := store.Create(Record{AccountID: "acct-1", Until: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Clear("acct-1"); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if state, _, _ := store.Check("acct-1"); state != Absent {
		t.Fatalf("expected absent after clear, got %s", state)
	}
	// Clearing again is not an error.
	if err := store.Clear("acct-1"); err != nil {
		t.Fatalf("Clear of missing lock returned error: %v", err)
	}
}
