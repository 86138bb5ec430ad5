// Package registry is the single source of truth for which remote endpoints
// are reachable over which transport. All fan-out and teardown decisions
// read from it.
package registry

import (
    "sort"
    "sync"

    "meshalert/pkg/transport"
)

// Registry holds two disjoint connection tables, one per transport kind.
// The same logical device may appear in both; no cross-transport
// de-duplication is performed. Entries exist iff the underlying transport
// reports the connection open: insertion happens on Opened events, removal
// on Closed/Failed events, never by polling.
type Registry struct {
    mu          sync.RWMutex
    direct      map[string]transport.Conn
    constrained map[string]transport.Conn
}

func New() *Registry {
    return &Registry{
        direct:      make(map[string]transport.Conn),
        constrained: make(map[string]transport.Conn),
    }
}

func (r *Registry) table(k transport.Kind) map[string]transport.Conn {
    if k.Constrained() { return r.constrained }
    return r.direct
}

// Insert records an open connection. If the key was already present on the
// same transport the superseded connection is returned so the caller can
// close it (stale-open guard).
func (r *Registry) Insert(c transport.Conn) (superseded transport.Conn) {
    r.mu.Lock()
    defer r.mu.Unlock()
    t := r.table(c.Kind())
    superseded = t[c.Key()]
    t[c.Key()] = c
    return superseded
}

// Remove drops the entry and returns it. Idempotent: a second Remove for the
// same key reports false.
func (r *Registry) Remove(kind transport.Kind, key string) (transport.Conn, bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    t := r.table(kind)
    c, ok := t[key]
    if ok { delete(t, key) }
    return c, ok
}

// Get looks up one connection.
func (r *Registry) Get(kind transport.Kind, key string) (transport.Conn, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    c, ok := r.table(kind)[key]
    return c, ok
}

// All returns a stable-ordered snapshot of every connection on both
// transports.
func (r *Registry) All() []transport.Conn {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]transport.Conn, 0, len(r.direct)+len(r.constrained))
    out = appendSorted(out, r.direct)
    out = appendSorted(out, r.constrained)
    return out
}

// Direct returns a snapshot of direct-transport connections only, for the
// connection-quality probe.
func (r *Registry) Direct() []transport.Conn {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return appendSorted(make([]transport.Conn, 0, len(r.direct)), r.direct)
}

// Count is the total number of active connections across both transports.
func (r *Registry) Count() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.direct) + len(r.constrained)
}

func appendSorted(dst []transport.Conn, t map[string]transport.Conn) []transport.Conn {
    keys := make([]string, 0, len(t))
    for k := range t { keys = append(keys, k) }
    sort.Strings(keys)
    for _, k := range keys { dst = append(dst, t[k]) }
    return dst
}
