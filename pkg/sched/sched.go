// Package sched is an explicit scheduler with named, cancellable timers.
// Discovery stagger, periodic rediscovery and the quality probe all run
// through it, so tests can advance virtual time deterministically via a
// mock clock.
package sched

import (
    "sync"
    "time"

    "github.com/benbjohnson/clock"
)

// Scheduler owns a set of named timers. Scheduling under an existing name
// replaces the previous timer.
type Scheduler struct {
    clk clock.Clock

    mu      sync.Mutex
    entries map[string]func() // cancel funcs by name
    stopped bool
}

// New builds a scheduler on the given clock. Pass clock.New() in production
// and clock.NewMock() in tests.
func New(clk clock.Clock) *Scheduler {
    return &Scheduler{clk: clk, entries: make(map[string]func())}
}

// Clock exposes the scheduler's clock for callers that need pacing delays
// on the same timebase.
func (s *Scheduler) Clock() clock.Clock { return s.clk }

// After runs fn once after d. The timer is cancellable and replaceable by
// name until it fires.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return }
    if cancel, ok := s.entries[name]; ok { cancel() }
    t := s.clk.AfterFunc(d, func() {
        s.forget(name)
        fn()
    })
    s.entries[name] = func() { t.Stop() }
}

// Every runs fn on every tick of d until cancelled or the scheduler stops.
func (s *Scheduler) Every(name string, d time.Duration, fn func()) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return }
    if cancel, ok := s.entries[name]; ok { cancel() }
    tk := s.clk.Ticker(d)
    done := make(chan struct{})
    go func() {
        for {
            select {
            case <-done:
                return
            case <-tk.C:
                fn()
            }
        }
    }()
    var once sync.Once
    s.entries[name] = func() {
        once.Do(func() {
            tk.Stop()
            close(done)
        })
    }
}

// Cancel stops the named timer if it is still pending.
func (s *Scheduler) Cancel(name string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if cancel, ok := s.entries[name]; ok {
        cancel()
        delete(s.entries, name)
    }
}

// Pending reports whether a timer is currently scheduled under name.
func (s *Scheduler) Pending(name string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    _, ok := s.entries[name]
    return ok
}

// Stop cancels every timer. The scheduler accepts no further work.
func (s *Scheduler) Stop() {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.stopped = true
    for name, cancel := range s.entries {
        cancel()
        delete(s.entries, name)
    }
}

func (s *Scheduler) forget(name string) {
    s.mu.Lock()
    delete(s.entries, name)
    s.mu.Unlock()
}
