package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

type LeaseStatus string

const (
	StatusIdle   LeaseStatus = "IDLE"
	StatusLeased LeaseStatus = "LEASED"
)

type Lease struct {
	RunID     string      `json:"run_id"`
	Status    LeaseStatus `json:"status"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Entry is the persisted run state of one scheduled call.
type Entry struct {
	ID         string    `json:"id"`
	Schedule   string    `json:"schedule"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastCallID string    `json:"last_call_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Lease      *Lease    `json:"lease,omitempty"`
}

type entryList struct {
	Entries map[string]*Entry `json:"entries"`
}

// Store keeps scheduled-call run state in a JSON file rewritten atomically
// on every change.
type Store struct {
	path string
	data entryList
	mu   sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create scheduler dir: %w", err)
	}
	s := &Store{
		path: path,
		data: entryList{Entries: make(map[string]*Entry)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &s.data); err != nil {
		return fmt.Errorf("decode scheduler state: %w", err)
	}
	if s.data.Entries == nil {
		s.data.Entries = make(map[string]*Entry)
	}
	return nil
}

// save rewrites the file. Caller holds the lock.
func (s *Store) save() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// Sync aligns stored entries with the configured jobs. New jobs and jobs
// whose schedule changed get a fresh next run; entries for removed jobs are
// dropped. Existing next runs are kept so missed runs are still noticed.
func (s *Store) Sync(jobs []job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		keep[j.id] = true
		e, ok := s.data.Entries[j.id]
		if !ok || e.Schedule != j.schedule {
			s.data.Entries[j.id] = &Entry{ID: j.id, Schedule: j.schedule, NextRun: j.spec.Next(now)}
			continue
		}
		if e.NextRun.IsZero() {
			e.NextRun = j.spec.Next(now)
		}
	}
	for id := range s.data.Entries {
		if !keep[id] {
			delete(s.data.Entries, id)
		}
	}
	return s.save()
}

// Entries returns copies sorted by id.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.data.Entries))
	for _, e := range s.data.Entries {
		c := *e
		if e.Lease != nil {
			l := *e.Lease
			c.Lease = &l
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data.Entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// AcquireLease claims entry id for runID unless an unexpired lease exists.
func (s *Store) AcquireLease(id, runID string, now, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.Entries[id]
	if !ok {
		return fmt.Errorf("entry %q not found", id)
	}
	if e.Lease != nil && e.Lease.Status == StatusLeased && now.Before(e.Lease.ExpiresAt) {
		return fmt.Errorf("entry %q already leased", id)
	}

	e.Lease = &Lease{RunID: runID, Status: StatusLeased, ExpiresAt: expiresAt}
	return s.save()
}

// Complete records the outcome of runID and schedules the next run.
func (s *Store) Complete(id, runID string, ranAt, next time.Time, callID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.Entries[id]
	if !ok {
		return fmt.Errorf("entry %q not found", id)
	}
	if e.Lease == nil || e.Lease.RunID != runID {
		return fmt.Errorf("lease mismatch for %q", id)
	}

	e.Lease = nil
	e.LastRun = ranAt
	e.LastRunID = runID
	e.LastCallID = callID
	e.LastError = errMsg
	e.NextRun = next
	return s.save()
}

// ExpiredLeases clears leases that outlived their deadline, returning the
// run ids that were abandoned.
func (s *Store) ExpiredLeases(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var abandoned []string
	for _, e := range s.data.Entries {
		if e.Lease != nil && now.After(e.Lease.ExpiresAt) {
			abandoned = append(abandoned, e.Lease.RunID)
			e.Lease = nil
		}
	}
	if len(abandoned) == 0 {
		return nil, nil
	}
	sort.Strings(abandoned)
	return abandoned, s.save()
}

func generateRunID() string {
	return ulid.Make().String()
}
