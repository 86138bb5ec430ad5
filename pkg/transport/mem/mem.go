// Package mem is an in-process transport over net.Pipe. It stands in for a
// real transport in session and fanout tests.
package mem

import (
    "bufio"
    "context"
    "encoding/binary"
    "errors"
    "io"
    "net"
    "sync"
    "time"

    "meshalert/pkg/protocol"
    "meshalert/pkg/transport"
)

// Network links named endpoints so that Open(target) reaches the endpoint
// registered under that name.
type Network struct {
    mu        sync.Mutex
    endpoints map[string]*Adapter
}

func NewNetwork() *Network { return &Network{endpoints: make(map[string]*Adapter)} }

// Endpoint registers a new adapter under name. Opening name from another
// endpoint creates a linked connection pair and announces both sides.
func (n *Network) Endpoint(name string, kind transport.Kind) *Adapter {
    a := &Adapter{name: name, kind: kind, net: n, events: make(chan transport.Event, 64)}
    n.mu.Lock()
    n.endpoints[name] = a
    n.mu.Unlock()
    return a
}

// Adapter implements transport.Adapter over the in-process network.
type Adapter struct {
    name   string
    kind   transport.Kind
    net    *Network
    events chan transport.Event

    mu     sync.Mutex
    conns  []*conn
    closed bool
}

func (a *Adapter) Kind() transport.Kind            { return a.kind }
func (a *Adapter) Events() <-chan transport.Event  { return a.events }

func (a *Adapter) Open(_ context.Context, target string) (transport.Conn, error) {
    a.net.mu.Lock()
    remote := a.net.endpoints[target]
    a.net.mu.Unlock()
    if remote == nil {
        return nil, &protocol.ConnectError{Transport: a.kind.String(), Target: target, Err: errors.New("no such endpoint")}
    }
    c1, c2 := net.Pipe()
    local := newConn(a, target, c1)
    peer := newConn(remote, a.name, c2)
    a.track(local)
    remote.track(peer)
    a.emit(transport.Event{Type: transport.EventOpened, Kind: a.kind, Key: local.Key(), Conn: local})
    remote.emit(transport.Event{Type: transport.EventOpened, Kind: remote.kind, Key: peer.Key(), Conn: peer})
    go local.readLoop()
    go peer.readLoop()
    return local, nil
}

func (a *Adapter) Close() error {
    a.mu.Lock()
    if a.closed {
        a.mu.Unlock()
        return nil
    }
    a.closed = true
    conns := append([]*conn(nil), a.conns...)
    a.mu.Unlock()
    for _, c := range conns { _ = c.Close() }
    close(a.events)
    return nil
}

func (a *Adapter) track(c *conn) {
    a.mu.Lock()
    a.conns = append(a.conns, c)
    a.mu.Unlock()
}

func (a *Adapter) emit(ev transport.Event) {
    a.mu.Lock()
    closed := a.closed
    a.mu.Unlock()
    if closed { return }
    select {
    case a.events <- ev:
    default:
        // Test network; drop rather than block the pipe goroutines.
    }
}

type conn struct {
    a        *Adapter
    key      string
    c        net.Conn
    br       *bufio.Reader
    bw       *bufio.Writer
    openedAt time.Time

    mu       sync.Mutex
    name     string
    sendErr  error
    downOnce sync.Once
}

func newConn(a *Adapter, key string, c net.Conn) *conn {
    return &conn{a: a, key: key, c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c), openedAt: time.Now()}
}

func (c *conn) Key() string              { return c.key }
func (c *conn) Kind() transport.Kind     { return c.a.kind }
func (c *conn) OpenedAt() time.Time      { return c.openedAt }

func (c *conn) RemoteName() string {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.name
}

// SetRemoteName records the display name learned from a handshake.
func (c *conn) SetRemoteName(n string) {
    c.mu.Lock(); c.name = n; c.mu.Unlock()
}

// FailSends makes every subsequent Send return err, for partial-failure
// fanout tests. Pass nil to restore normal sending.
func (c *conn) FailSends(err error) {
    c.mu.Lock(); c.sendErr = err; c.mu.Unlock()
}

// Send writes one length-prefixed frame (u32 LE).
func (c *conn) Send(_ context.Context, frame []byte) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.sendErr != nil {
        return &protocol.SendError{Transport: c.a.kind.String(), Key: c.key, Err: c.sendErr}
    }
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
    if _, err := c.bw.Write(lenbuf[:]); err != nil { return c.wrapSend(err) }
    if _, err := c.bw.Write(frame); err != nil { return c.wrapSend(err) }
    if err := c.bw.Flush(); err != nil { return c.wrapSend(err) }
    return nil
}

func (c *conn) wrapSend(err error) error {
    return &protocol.SendError{Transport: c.a.kind.String(), Key: c.key, Err: err}
}

func (c *conn) Close() error {
    c.teardown(nil)
    return nil
}

// teardown closes the pipe and emits exactly one Closed/Failed event.
func (c *conn) teardown(err error) {
    c.downOnce.Do(func() {
        _ = c.c.Close()
        ev := transport.Event{Type: transport.EventClosed, Kind: c.a.kind, Key: c.key, Conn: c}
        if err != nil {
            ev = transport.Event{Type: transport.EventFailed, Kind: c.a.kind, Key: c.key, Conn: c, Err: err}
        }
        c.a.emit(ev)
    })
}

func (c *conn) readLoop() {
    for {
        var lenbuf [4]byte
        if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
            c.teardown(nil)
            return
        }
        n := int(binary.LittleEndian.Uint32(lenbuf[:]))
        if n < 0 || n > (1<<24) {
            c.teardown(errors.New("invalid frame size"))
            return
        }
        buf := make([]byte, n)
        if _, err := io.ReadFull(c.br, buf); err != nil {
            c.teardown(nil)
            return
        }
        c.a.emit(transport.Event{Type: transport.EventData, Kind: c.a.kind, Key: c.key, Frame: buf})
    }
}
