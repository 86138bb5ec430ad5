// Package session owns the connection registry and consumes all transport
// events on a single loop. It performs the handshake on open, decodes
// inbound frames, fans logical messages out to every active connection and
// probes direct connections for liveness.
package session

import (
    "context"
    "sync"
    "time"

    "go.uber.org/zap"

    "meshalert/pkg/frame"
    "meshalert/pkg/protocol"
    "meshalert/pkg/protocol/codec"
    "meshalert/pkg/registry"
    "meshalert/pkg/sched"
    "meshalert/pkg/transport"
)

// Callbacks are the session's outward collaborators. All are optional; the
// session never depends on them for correctness.
type Callbacks struct {
    // OnMessage delivers a decoded non-handshake message to the application.
    OnMessage func(kind transport.Kind, key string, msg protocol.Message)
    // OnConnectionsChanged fires after any registry insertion or removal.
    OnConnectionsChanged func(count int)
    // OnLocalEmergency renders an emergency locally and triggers the audible
    // alert, regardless of delivery outcome.
    OnLocalEmergency func(msg protocol.Message)
    // OnDirectFailure feeds the discovery/fallback controller when a direct
    // connection is lost with an error.
    OnDirectFailure func(err error)
}

// Options configure a session.
type Options struct {
    LocalID      string
    DisplayName  string
    Capabilities []string
    // ContentType selects the wire codec for logical messages; defaults to
    // the registry's message codec (JSON).
    ContentType string
    // ProbeInterval is the connection-quality probe period (default 10s).
    ProbeInterval time.Duration
    // InterFrameDelay paces constrained-transport frames (default 50ms).
    InterFrameDelay time.Duration
}

const probeTimer = "quality-probe"

// Session is the explicitly constructed context holding all shared state:
// the registry and the outgoing-message counter. No ambient singletons.
type Session struct {
    opts Options
    reg  *registry.Registry
    sch  *sched.Scheduler
    cod  codec.Codec
    cb   Callbacks

    adapters []transport.Adapter

    mu    sync.Mutex
    asm   map[string]*frame.Assembler // constrained reassembly, by key
    locks map[string]*sync.Mutex      // constrained send serialization, by key
    sent  int64

    events chan transport.Event
}

// New builds a session over the given adapters. Run must be called before
// any events flow.
func New(opts Options, reg *registry.Registry, sch *sched.Scheduler, codecs *codec.Registry, cb Callbacks, adapters ...transport.Adapter) *Session {
    if opts.ProbeInterval <= 0 { opts.ProbeInterval = 10 * time.Second }
    if opts.InterFrameDelay <= 0 { opts.InterFrameDelay = frame.InterFrameDelay }
    if opts.DisplayName == "" { opts.DisplayName = "Unknown Device" }
    cod := codecs.Get(opts.ContentType)
    if cod == nil { cod = codecs.Message() }
    return &Session{
        opts:     opts,
        reg:      reg,
        sch:      sch,
        cod:      cod,
        cb:       cb,
        adapters: adapters,
        asm:      make(map[string]*frame.Assembler),
        locks:    make(map[string]*sync.Mutex),
        events:   make(chan transport.Event, 128),
    }
}

// Registry exposes the session's connection registry.
func (s *Session) Registry() *registry.Registry { return s.reg }

// Run starts the event loop and the quality probe, and blocks until ctx is
// cancelled. Registry mutation happens only from this loop and from the
// probe timer; both go through the mutex-guarded registry.
func (s *Session) Run(ctx context.Context) {
    var wg sync.WaitGroup
    for _, a := range s.adapters {
        wg.Add(1)
        go func(a transport.Adapter) {
            defer wg.Done()
            for {
                select {
                case <-ctx.Done():
                    return
                case ev, ok := <-a.Events():
                    if !ok { return }
                    select {
                    case s.events <- ev:
                    case <-ctx.Done():
                        return
                    }
                }
            }
        }(a)
    }

    s.sch.Every(probeTimer, s.opts.ProbeInterval, func() { s.probe(ctx) })

    for {
        select {
        case <-ctx.Done():
            s.sch.Cancel(probeTimer)
            wg.Wait()
            return
        case ev := <-s.events:
            s.handle(ctx, ev)
        }
    }
}

func (s *Session) handle(ctx context.Context, ev transport.Event) {
    switch ev.Type {
    case transport.EventOpened:
        s.handleOpened(ctx, ev)
    case transport.EventData:
        s.handleData(ev)
    case transport.EventClosed:
        s.handleGone(ev.Kind, ev.Key, ev.Conn, nil)
    case transport.EventFailed:
        s.handleGone(ev.Kind, ev.Key, ev.Conn, ev.Err)
    }
}

func (s *Session) handleOpened(ctx context.Context, ev transport.Event) {
    if ev.Conn == nil { return }
    if superseded := s.reg.Insert(ev.Conn); superseded != nil {
        // Stale-open guard: a late completion for a target that has since
        // reconnected; the old handle is closed without a registry removal.
        zap.L().Info("superseding stale connection",
            zap.String("transport", ev.Kind.String()), zap.String("key", ev.Key))
        _ = superseded.Close()
    }
    zap.L().Info("connection open",
        zap.String("transport", ev.Kind.String()), zap.String("key", ev.Key))
    s.notifyConnections()

    // Handshake is informational and does not gate registry insertion; a
    // peer is usable for sending before it confirms identity.
    hs := protocol.NewHandshake(s.opts.DisplayName, s.opts.LocalID, s.opts.Capabilities)
    go func() {
        if err := s.sendOne(ctx, ev.Conn, hs); err != nil {
            zap.L().Warn("handshake send", zap.Error(err))
        }
    }()
}

func (s *Session) handleData(ev transport.Event) {
    payload := ev.Frame
    if ev.Kind.Constrained() {
        a := s.assembler(ev.Key)
        out, done, err := a.Push(ev.Frame)
        if err != nil {
            s.logDecode(&protocol.DecodeError{Key: ev.Key, Err: err})
            return
        }
        if !done { return }
        payload = out
    }

    var msg protocol.Message
    if err := s.cod.Unmarshal(payload, &msg); err != nil {
        s.logDecode(&protocol.DecodeError{Key: ev.Key, Err: err})
        return
    }
    if err := msg.Validate(); err != nil {
        s.logDecode(&protocol.DecodeError{Key: ev.Key, Err: err})
        return
    }

    switch msg.Kind {
    case protocol.KindHandshake:
        s.handleHandshake(ev, msg)
    case protocol.KindPing:
        zap.L().Debug("ping", zap.String("key", ev.Key))
    default:
        if s.cb.OnMessage != nil {
            s.cb.OnMessage(ev.Kind, ev.Key, msg)
        }
    }
}

func (s *Session) handleHandshake(ev transport.Event, msg protocol.Message) {
    name := msg.DisplayName()
    zap.L().Info("handshake received",
        zap.String("transport", ev.Kind.String()),
        zap.String("key", ev.Key),
        zap.String("peer", name),
        zap.Strings("capabilities", msg.Handshake.Capabilities))
    if c, ok := s.reg.Get(ev.Kind, ev.Key); ok {
        if named, ok := c.(interface{ SetRemoteName(string) }); ok {
            named.SetRemoteName(name)
        }
        s.notifyConnections()
    }
}

// handleGone removes the connection exactly once; a duplicate Closed after
// Failed (or vice versa) is a no-op. When the event identifies which handle
// went down, the entry is removed only if it still holds that handle, so the
// teardown of a superseded connection never evicts its live replacement.
func (s *Session) handleGone(kind transport.Kind, key string, gone transport.Conn, err error) {
    if gone != nil {
        if cur, ok := s.reg.Get(kind, key); ok && cur != gone {
            return
        }
    }
    c, ok := s.reg.Remove(kind, key)
    if !ok { return }
    _ = c.Close()
    s.dropConnState(key)
    if err != nil {
        zap.L().Warn("connection failed",
            zap.String("transport", kind.String()), zap.String("key", key), zap.Error(err))
        if kind == transport.KindDirect && s.cb.OnDirectFailure != nil {
            s.cb.OnDirectFailure(err)
        }
    } else {
        zap.L().Info("connection closed",
            zap.String("transport", kind.String()), zap.String("key", key))
    }
    s.notifyConnections()
}

// probe sends a lightweight ping on every direct connection reporting
// itself open; a send failure is treated as a lost connection and removed
// immediately, supplementing passive close events.
func (s *Session) probe(ctx context.Context) {
    payload, err := s.cod.Marshal(protocol.NewPing(s.opts.DisplayName))
    if err != nil { return }
    for _, c := range s.reg.Direct() {
        if err := c.Send(ctx, payload); err != nil {
            zap.L().Warn("quality probe failed, dropping connection",
                zap.String("key", c.Key()), zap.Error(err))
            s.handleGone(c.Kind(), c.Key(), c, err)
        }
    }
}

func (s *Session) assembler(key string) *frame.Assembler {
    s.mu.Lock()
    defer s.mu.Unlock()
    a, ok := s.asm[key]
    if !ok {
        a = frame.NewAssembler()
        s.asm[key] = a
    }
    return a
}

// sendLock serializes constrained-transport sends per connection key. A
// multi-frame run must not interleave with any other send on the same
// connection or the receiver's reassembly buffer is poisoned.
func (s *Session) sendLock(key string) *sync.Mutex {
    s.mu.Lock()
    defer s.mu.Unlock()
    l, ok := s.locks[key]
    if !ok {
        l = &sync.Mutex{}
        s.locks[key] = l
    }
    return l
}

func (s *Session) dropConnState(key string) {
    s.mu.Lock()
    delete(s.asm, key)
    delete(s.locks, key)
    s.mu.Unlock()
}

func (s *Session) notifyConnections() {
    if s.cb.OnConnectionsChanged != nil {
        s.cb.OnConnectionsChanged(s.reg.Count())
    }
}

func (s *Session) logDecode(err error) {
    // Malformed inbound payloads are logged and dropped, never fatal.
    zap.L().Warn("inbound decode failed", zap.Error(err))
}
