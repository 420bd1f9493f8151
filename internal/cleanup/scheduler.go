// Package cleanup runs delayed, cancelable per-call callbacks such as the
// max-duration and notify-mode hangups.
package cleanup

import (
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/concurrency"
)

// Scheduler runs fn once after the delay unless the key is canceled first.
// Scheduling an existing key replaces the pending callback.
type Scheduler interface {
	Schedule(key string, after time.Duration, fn func())
	Cancel(key string)
	CancelAll()
}

// TimerScheduler is backed by time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
}

type entry struct {
	timer *time.Timer
	id    uint64
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*entry)}
}

func (s *TimerScheduler) Schedule(key string, after time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}
	s.seq++
	id := s.seq
	e := &entry{id: id}
	e.timer = time.AfterFunc(after, func() {
		// A timer that already fired may race a Cancel or a reschedule.
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		done := make(chan struct{})
		concurrency.SafeGo("cleanup:"+key, func() {
			defer close(done)
			fn()
		}, nil)
		<-done
	})
	s.timers[key] = e
}

func (s *TimerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[key]; ok {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the keys with a callback still armed.
func (s *TimerScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ManualScheduler fires callbacks only when Advance moves its clock past
// their deadline. Callbacks run synchronously on the Advance caller.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	tasks map[string]manualTask
	seq   uint64
}

type manualTask struct {
	at  time.Duration
	seq uint64
	fn  func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[string]manualTask)}
}

func (s *ManualScheduler) Schedule(key string, after time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.tasks[key] = manualTask{at: s.now + after, seq: s.seq, fn: fn}
}

func (s *ManualScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

func (s *ManualScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]manualTask)
}

// Advance moves the clock forward by d and runs every task that became due,
// in deadline order. Tasks scheduled by a callback run in the same pass if
// they are already due.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	fired := 0
	for {
		s.mu.Lock()
		key, task, ok := s.nextDue(target)
		if !ok {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		delete(s.tasks, key)
		if task.at > s.now {
			s.now = task.at
		}
		s.mu.Unlock()

		task.fn()
		fired++
	}
}

func (s *ManualScheduler) nextDue(target time.Duration) (string, manualTask, bool) {
	var (
		bestKey string
		best    manualTask
		found   bool
	)
	for key, task := range s.tasks {
		if task.at > target {
			continue
		}
		if !found || task.at < best.at || (task.at == best.at && task.seq < best.seq) {
			bestKey, best, found = key, task, true
		}
	}
	return bestKey, best, found
}

// Pending returns the keys still armed.
func (s *ManualScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is armed.
func (s *ManualScheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}
