package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"

	cgErrors "github.com/harunnryd/callgate/internal/errors"
	"github.com/harunnryd/callgate/internal/voice"
)

type replayEntry struct {
	record *voice.CallRecord
	raw    []byte
	seq    int
}

// Replay is the latest snapshot per call after reading one or more log
// files front to back.
type Replay struct {
	latest  map[string]*replayEntry
	Lines   int
	Corrupt int
}

func newReplay() *Replay {
	return &Replay{latest: make(map[string]*replayEntry)}
}

// ReplayFiles reads paths in order. Missing files are skipped; unparsable
// lines are counted and skipped.
func ReplayFiles(paths ...string) (*Replay, error) {
	r := newReplay()
	for _, path := range paths {
		if err := r.readFile(path); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (r *Replay) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			r.apply(path, lineNo, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (r *Replay) apply(path string, lineNo int, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	r.Lines++

	var rec voice.CallRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		r.Corrupt++
		slog.Warn("Skipping corrupt call log line", "path", path, "error", cgErrors.Corruption(err, lineNo))
		return
	}
	if rec.CallID == "" {
		r.Corrupt++
		slog.Warn("Skipping call log line without callId", "path", path, "line", lineNo)
		return
	}

	r.latest[rec.CallID] = &replayEntry{
		record: &rec,
		raw:    append([]byte(nil), line...),
		seq:    r.Lines,
	}
}

// Len is the number of distinct calls seen.
func (r *Replay) Len() int {
	return len(r.latest)
}

// Get returns the latest snapshot for callID.
func (r *Replay) Get(callID string) (*voice.CallRecord, bool) {
	e, ok := r.latest[callID]
	if !ok {
		return nil, false
	}
	return e.record.Clone(), true
}

// Active returns the non-terminal calls in write order.
func (r *Replay) Active() []*voice.CallRecord {
	entries := r.sorted(func(e *replayEntry) bool { return !e.record.IsTerminal() })
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*voice.CallRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.record.Clone())
	}
	return out
}

// History returns up to limit calls, most recently started first. A limit of
// zero or less returns everything.
func (r *Replay) History(limit int) []*voice.CallRecord {
	entries := r.sorted(nil)
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].record, entries[j].record
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		return entries[i].seq > entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*voice.CallRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.record.Clone())
	}
	return out
}

func (r *Replay) sorted(keep func(*replayEntry) bool) []*replayEntry {
	entries := make([]*replayEntry, 0, len(r.latest))
	for _, e := range r.latest {
		if keep == nil || keep(e) {
			entries = append(entries, e)
		}
	}
	return entries
}

// ReadHistory replays a log and its rotated backups without taking the lock.
func ReadHistory(logPath string, limit int) ([]*voice.CallRecord, error) {
	r, err := replayWithBackups(logPath)
	if err != nil {
		return nil, err
	}
	return r.History(limit), nil
}

// ReadActive replays only the live log and returns the calls a manager
// would restore from it.
func ReadActive(logPath string) ([]*voice.CallRecord, error) {
	r, err := ReplayFiles(logPath)
	if err != nil {
		return nil, err
	}
	return r.Active(), nil
}

func replayWithBackups(logPath string) (*Replay, error) {
	backups, err := backupPaths(logPath)
	if err != nil {
		return nil, err
	}
	return ReplayFiles(append(backups, logPath)...)
}
