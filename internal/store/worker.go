package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"

	"github.com/natefinch/atomic"
)

type Operation int

const (
	OpAppend Operation = iota
	OpFlush
	OpHistory
	OpRecover
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type AppendPayload struct {
	CallID   string
	Terminal bool
	Data     []byte // JSON line
}

type HistoryPayload struct {
	Limit int
}

// CallLog is the append-only call record log. A single goroutine owns the
// file, so appends land in the order they were enqueued.
type CallLog struct {
	dir            string
	path           string
	inbox          chan Request
	fileLock       *FileLock
	quit           chan struct{}
	done           chan struct{}
	wg             sync.WaitGroup
	running        stdatomic.Bool
	stopOnce       sync.Once
	rotateMaxBytes int64

	// live holds the latest line of each non-terminal call, used to seed the
	// live file after rotation. Owned by the worker goroutine once started.
	live map[string][]byte
}

type RuntimeConfig struct {
	LockTimeout       time.Duration
	LockRetry         time.Duration
	LockMaxRetry      int
	InboxSize         int
	LogRotateMaxBytes int64
}

// OpenCallLog creates the calls directory and takes the instance lock.
func OpenCallLog(dir string, runtimeCfg RuntimeConfig) (*CallLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dir %s: %w", dir, err)
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	if runtimeCfg.LockMaxRetry <= 0 {
		runtimeCfg.LockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}
	if runtimeCfg.LogRotateMaxBytes <= 0 {
		runtimeCfg.LogRotateMaxBytes = config.DefaultStoreLogRotateMaxBytes
	}

	fileLock, err := NewFileLock(callLockName, dir, &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return &CallLog{
		dir:            dir,
		path:           filepath.Join(dir, callLogName),
		inbox:          make(chan Request, runtimeCfg.InboxSize),
		fileLock:       fileLock,
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		rotateMaxBytes: runtimeCfg.LogRotateMaxBytes,
		live:           make(map[string][]byte),
	}, nil
}

func (l *CallLog) Path() string {
	return l.path
}

func (l *CallLog) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.loop()
}

func (l *CallLog) loop() {
	slog.Info("CallLog started", "path", l.path)
	defer func() {
		close(l.done)
		l.wg.Done()
	}()

	for {
		select {
		case req := <-l.inbox:
			l.serve(req)
		case <-l.quit:
			// Drain what was queued before Stop so no append is lost.
			for {
				select {
				case req := <-l.inbox:
					l.serve(req)
				default:
					slog.Info("CallLog stopped", "path", l.path)
					return
				}
			}
		}
	}
}

func (l *CallLog) serve(req Request) {
	err := l.handle(req)
	if err != nil && req.Result == nil {
		slog.Error("Call log operation failed", "op", req.Op, "error", err)
	}
	if req.Result != nil {
		req.Result <- err
	}
}

func (l *CallLog) handle(req Request) error {
	switch req.Op {
	case OpAppend:
		p, ok := req.Payload.(AppendPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Append")
		}
		return l.append(p)
	case OpFlush:
		return nil
	case OpHistory:
		p, ok := req.Payload.(HistoryPayload)
		if !ok {
			return fmt.Errorf("invalid payload for History")
		}
		r, err := replayWithBackups(l.path)
		if req.Response != nil {
			var records []*voice.CallRecord
			if r != nil {
				records = r.History(p.Limit)
			}
			req.Response <- records
		}
		return err
	case OpRecover:
		records, err := l.recover()
		if req.Response != nil {
			req.Response <- records
		}
		return err
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (l *CallLog) append(p AppendPayload) error {
	if err := l.checkAndRotate(); err != nil {
		slog.Warn("Failed to rotate call log", "path", l.path, "error", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(p.Data); err != nil {
		return err
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}

	if p.Terminal {
		delete(l.live, p.CallID)
	} else {
		l.live[p.CallID] = p.Data
	}
	return f.Sync()
}

// checkAndRotate moves an oversized log aside and starts the live file with
// the latest snapshot of every non-terminal call, so recovery from the live
// file alone still restores them.
func (l *CallLog) checkAndRotate() error {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < l.rotateMaxBytes {
		return nil
	}

	slog.Info("Rotating call log", "path", l.path, "size", info.Size(), "live_calls", len(l.live))

	timestamp := time.Now().Format("20060102150405")
	backupPath := fmt.Sprintf("%s.%s%s", l.path, timestamp, backupSuffix)
	if _, err := os.Stat(backupPath); err == nil {
		backupPath = fmt.Sprintf("%s.%s.%d%s", l.path, timestamp, time.Now().UnixNano(), backupSuffix)
	}

	if err := os.Rename(l.path, backupPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	ids := make([]string, 0, len(l.live))
	for id := range l.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		buf.Write(l.live[id])
		buf.WriteByte('\n')
	}
	if err := atomic.WriteFile(l.path, &buf); err != nil {
		return fmt.Errorf("failed to seed rotated log: %w", err)
	}
	return nil
}

func (l *CallLog) recover() ([]*voice.CallRecord, error) {
	r, err := ReplayFiles(l.path)
	if err != nil {
		slog.Warn("Call log unreadable, starting with an empty table", "path", l.path, "error", err)
		return nil, err
	}

	active := r.Active()
	l.live = make(map[string][]byte, len(active))
	for _, rec := range active {
		l.live[rec.CallID] = r.latest[rec.CallID].raw
	}

	slog.Info("Call log replayed",
		"path", l.path,
		"lines", r.Lines,
		"corrupt", r.Corrupt,
		"calls", r.Len(),
		"active", len(active),
	)
	return active, nil
}

var errLogStopped = fmt.Errorf("call log not running")

func (l *CallLog) send(req Request) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.inbox <- req:
		return true
	case <-l.quit:
		return false
	}
}

// call queues a request and waits for the worker to answer it.
func (l *CallLog) call(req Request) (interface{}, error) {
	if !l.running.Load() {
		return nil, errLogStopped
	}
	req.Result = make(chan error, 1)
	req.Response = make(chan interface{}, 1)
	if !l.send(req) {
		return nil, errLogStopped
	}

	select {
	case err := <-req.Result:
		return l.response(req), err
	case <-l.done:
		// The worker may have answered just before exiting.
		select {
		case err := <-req.Result:
			return l.response(req), err
		default:
			return nil, errLogStopped
		}
	}
}

func (l *CallLog) response(req Request) interface{} {
	select {
	case v := <-req.Response:
		return v
	default:
		return nil
	}
}

// Public API for other components

// Recover replays the live log and returns the non-terminal calls. Before
// Start it runs on the caller; afterwards it is queued behind pending writes.
func (l *CallLog) Recover() ([]*voice.CallRecord, error) {
	if !l.running.Load() {
		return l.recover()
	}

	resp, err := l.call(Request{Op: OpRecover})
	records, _ := resp.([]*voice.CallRecord)
	return records, err
}

func encodeRecord(rec *voice.CallRecord) (AppendPayload, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return AppendPayload{}, err
	}
	return AppendPayload{CallID: rec.CallID, Terminal: rec.IsTerminal(), Data: data}, nil
}

// Append snapshots rec and queues it. It blocks only while the queue is full.
func (l *CallLog) Append(rec *voice.CallRecord) {
	payload, err := encodeRecord(rec)
	if err != nil {
		slog.Error("Failed to encode call record", "call_id", rec.CallID, "error", err)
		return
	}
	if !l.send(Request{Op: OpAppend, Payload: payload}) {
		slog.Warn("Call log stopped, record not persisted", "call_id", rec.CallID, "state", rec.State)
	}
}

// AppendSync writes rec and waits for the result.
func (l *CallLog) AppendSync(rec *voice.CallRecord) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = l.call(Request{Op: OpAppend, Payload: payload})
	return err
}

// Flush returns once every request queued before it has been handled.
func (l *CallLog) Flush() error {
	_, err := l.call(Request{Op: OpFlush})
	return err
}

// History returns up to limit calls from the log and its backups, most
// recent first.
func (l *CallLog) History(limit int) ([]*voice.CallRecord, error) {
	resp, err := l.call(Request{Op: OpHistory, Payload: HistoryPayload{Limit: limit}})
	if err == errLogStopped {
		return ReadHistory(l.path, limit)
	}
	records, _ := resp.([]*voice.CallRecord)
	return records, err
}

func (l *CallLog) Stop() {
	l.stopOnce.Do(func() {
		slog.Info("CallLog Stop called", "path", l.path, "lock_held", l.fileLock.IsLocked())
		close(l.quit)
		l.wg.Wait()
		l.running.Store(false)

		if l.fileLock.IsLocked() {
			l.fileLock.Unlock()
		}
	})
}

func (l *CallLog) IsLockHeld() bool {
	return l.fileLock.IsLocked()
}

func (l *CallLog) IsRunning() bool {
	return l.fileLock.IsLocked() && l.running.Load()
}
