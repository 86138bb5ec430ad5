// Package transport defines the uniform capability surface over the two
// heterogeneous transports: the direct peer-connection transport and the
// short-range constrained radio transport.
package transport

import (
    "context"
    "time"
)

// Kind identifies the transport a connection runs over.
type Kind int

const (
    KindUnknown Kind = iota
    KindDirect
    KindConstrained
    // KindConstrainedGeneric marks a constrained connection established via
    // the generic fallback mode: an arbitrary writable characteristic used
    // as a de-facto message channel when the named service is absent.
    KindConstrainedGeneric
)

func (k Kind) String() string {
    switch k {
    case KindDirect:
        return "direct"
    case KindConstrained:
        return "constrained"
    case KindConstrainedGeneric:
        return "constrained-generic"
    default:
        return "unknown"
    }
}

// Constrained reports whether k is served by the radio transport.
func (k Kind) Constrained() bool {
    return k == KindConstrained || k == KindConstrainedGeneric
}

// Conn is one open connection to a remote endpoint.
type Conn interface {
    // Key is the registry key: the remote PeerIdentity for the direct
    // transport, the discovery-session DeviceIdentity for the constrained one.
    Key() string
    Kind() Kind
    // RemoteName is the display name learned so far, "" until handshake.
    RemoteName() string
    OpenedAt() time.Time
    // Send writes one frame. Safe to call concurrently for different
    // connections; a failure never propagates across the fanout boundary.
    Send(ctx context.Context, frame []byte) error
    Close() error
}

// EventType tags transport events.
type EventType int

const (
    EventOpened EventType = iota
    EventData
    EventClosed
    EventFailed
)

func (t EventType) String() string {
    switch t {
    case EventOpened:
        return "opened"
    case EventData:
        return "data"
    case EventClosed:
        return "closed"
    case EventFailed:
        return "failed"
    default:
        return "unknown"
    }
}

// Event is one asynchronous transport notification. Each adapter pushes its
// events onto a single channel consumed by the session loop; adapters must
// emit Closed/Failed for a connection exactly once so teardown stays
// idempotent.
type Event struct {
    Type  EventType
    Kind  Kind
    Key   string
    // Conn is set for Opened, and for Closed/Failed identifies which handle
    // went down so a superseded connection's teardown cannot evict its
    // replacement under the same key.
    Conn  Conn
    Frame []byte // set for Data
    Err   error  // set for Failed
}

// Adapter is implemented once per transport variant.
type Adapter interface {
    Kind() Kind
    // Open dials a target: a PeerIdentity (direct) or DeviceIdentity
    // (constrained). The returned Conn is already announced via an Opened
    // event on Events.
    Open(ctx context.Context, target string) (Conn, error)
    // Events returns the adapter's event stream. The channel is closed when
    // the adapter shuts down.
    Events() <-chan Event
    Close() error
}
