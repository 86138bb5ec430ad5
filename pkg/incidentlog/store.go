// Package incidentlog is the incident-log service: a small HTTP API over a
// flat JSON file. It runs as its own process, independent of the mesh core,
// so responders can review emergencies even when the reporting node is gone.
package incidentlog

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "meshalert/pkg/protocol"
)

// Incident statuses. New incidents start pending.
const (
    StatusPending    = "pending"
    StatusResponding = "responding"
    StatusResolved   = "resolved"
)

var (
    ErrNotFound  = errors.New("incident not found")
    ErrBadStatus = errors.New("unknown status")
)

// Incident is one reported emergency.
type Incident struct {
    ID         string            `json:"id"`
    SenderName string            `json:"sender_name"`
    Text       string            `json:"text"`
    Location   protocol.Location `json:"location"`
    Status     string            `json:"status"`
    CreatedAt  int64             `json:"created_at"` // unix ms
    UpdatedAt  int64             `json:"updated_at"`
}

// Store persists incidents to a single JSON file. Every mutation rewrites
// the file atomically (temp file + rename).
type Store struct {
    path string

    mu        sync.RWMutex
    incidents map[string]Incident
}

// Open loads the store at path, creating an empty one if the file does not
// exist yet.
func Open(path string) (*Store, error) {
    s := &Store{path: path, incidents: make(map[string]Incident)}
    raw, err := os.ReadFile(path)
    if errors.Is(err, os.ErrNotExist) {
        return s, nil
    }
    if err != nil {
        return nil, fmt.Errorf("read incident log: %w", err)
    }
    var list []Incident
    if err := json.Unmarshal(raw, &list); err != nil {
        return nil, fmt.Errorf("parse incident log: %w", err)
    }
    for _, in := range list { s.incidents[in.ID] = in }
    return s, nil
}

// Create registers a new incident: id, timestamps and pending status are
// assigned here, whatever the caller sent.
func (s *Store) Create(in Incident) (Incident, error) {
    now := time.Now().UnixMilli()
    in.ID = uuid.NewString()
    in.Status = StatusPending
    in.CreatedAt = now
    in.UpdatedAt = now

    s.mu.Lock()
    defer s.mu.Unlock()
    s.incidents[in.ID] = in
    if err := s.persist(); err != nil {
        delete(s.incidents, in.ID)
        return Incident{}, err
    }
    return in, nil
}

// List returns all incidents, newest first.
func (s *Store) List() []Incident {
    s.mu.RLock()
    out := make([]Incident, 0, len(s.incidents))
    for _, in := range s.incidents { out = append(out, in) }
    s.mu.RUnlock()

    sort.Slice(out, func(i, j int) bool {
        if out[i].CreatedAt != out[j].CreatedAt {
            return out[i].CreatedAt > out[j].CreatedAt
        }
        return out[i].ID > out[j].ID
    })
    return out
}

// Get looks up one incident by id.
func (s *Store) Get(id string) (Incident, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    in, ok := s.incidents[id]
    return in, ok
}

// UpdateStatus moves an incident to a new status.
func (s *Store) UpdateStatus(id, status string) (Incident, error) {
    switch status {
    case StatusPending, StatusResponding, StatusResolved:
    default:
        return Incident{}, fmt.Errorf("%w: %q", ErrBadStatus, status)
    }

    s.mu.Lock()
    defer s.mu.Unlock()
    in, ok := s.incidents[id]
    if !ok {
        return Incident{}, ErrNotFound
    }
    prev := in
    in.Status = status
    in.UpdatedAt = time.Now().UnixMilli()
    s.incidents[id] = in
    if err := s.persist(); err != nil {
        s.incidents[id] = prev
        return Incident{}, err
    }
    return in, nil
}

// persist writes the whole log. Caller holds the write lock.
func (s *Store) persist() error {
    list := make([]Incident, 0, len(s.incidents))
    for _, in := range s.incidents { list = append(list, in) }
    sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt < list[j].CreatedAt })

    raw, err := json.MarshalIndent(list, "", "  ")
    if err != nil {
        return err
    }
    tmp := s.path + ".tmp"
    if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
        return err
    }
    if err := os.WriteFile(tmp, raw, 0o644); err != nil {
        return err
    }
    return os.Rename(tmp, s.path)
}
