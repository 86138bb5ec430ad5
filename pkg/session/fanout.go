package session

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "meshalert/pkg/frame"
    "meshalert/pkg/geoloc"
    "meshalert/pkg/protocol"
    "meshalert/pkg/transport"
)

// Broadcast fans one logical message out to every active connection on both
// transports. Delivery is best-effort, at-most-once per connection, with no
// acknowledgment and no retry: the returned count is connections attempted,
// not confirmed. A failure on one connection never blocks the others.
//
// With an empty registry it returns (0, ErrNoConnections); callers surface
// that as a warning no-op.
func (s *Session) Broadcast(ctx context.Context, msg protocol.Message) (int, error) {
    conns := s.reg.All()
    if len(conns) == 0 {
        zap.L().Warn("broadcast with no active connections", zap.String("kind", msg.Kind.String()))
        return 0, protocol.ErrNoConnections
    }

    payload, err := s.cod.Marshal(msg)
    if err != nil {
        return 0, err
    }

    var wg sync.WaitGroup
    for _, c := range conns {
        wg.Add(1)
        go func(c transport.Conn) {
            defer wg.Done()
            if err := s.sendEncoded(ctx, c, msg, payload); err != nil {
                // Partial-failure isolation: log and carry on.
                zap.L().Warn("fanout send failed",
                    zap.String("transport", c.Kind().String()),
                    zap.String("key", c.Key()),
                    zap.Error(err))
            }
        }(c)
    }
    wg.Wait()

    atomic.AddInt64(&s.sent, 1)
    zap.L().Info("broadcast attempted",
        zap.String("kind", msg.Kind.String()), zap.Int("connections", len(conns)))
    return len(conns), nil
}

// BroadcastEmergency builds an emergency alert with a best-effort position,
// renders it locally first, then fans it out. Geolocation denial yields an
// all-null location and never blocks the send.
func (s *Session) BroadcastEmergency(ctx context.Context, text string, locator geoloc.Locator) (protocol.Message, int, error) {
    loc := geoloc.BestEffort(ctx, locator)
    msg := protocol.NewEmergency(s.opts.DisplayName, text, loc)
    if s.cb.OnLocalEmergency != nil {
        s.cb.OnLocalEmergency(msg)
    }
    n, err := s.Broadcast(ctx, msg)
    return msg, n, err
}

// Sent returns the outgoing-message counter.
func (s *Session) Sent() int64 { return atomic.LoadInt64(&s.sent) }

// sendOne delivers a message to a single connection, shaping the payload
// for its transport.
func (s *Session) sendOne(ctx context.Context, c transport.Conn, msg protocol.Message) error {
    payload, err := s.cod.Marshal(msg)
    if err != nil { return err }
    return s.sendEncoded(ctx, c, msg, payload)
}

func (s *Session) sendEncoded(ctx context.Context, c transport.Conn, msg protocol.Message, payload []byte) error {
    if !c.Kind().Constrained() {
        // Direct transport carries the payload as one opaque object; the
        // transport's own limits apply.
        return c.Send(ctx, payload)
    }

    frames, err := frame.Split(payload)
    if errors.Is(err, frame.ErrTooLarge) && msg.Kind == protocol.KindFile && msg.File != nil {
        // The radio link cannot carry the file body; announce it instead.
        notice := protocol.NewFileNotice(msg.Sender, msg.File.Name, int64(len(msg.File.Data)))
        np, merr := s.cod.Marshal(notice)
        if merr != nil { return merr }
        frames, err = frame.Split(np)
    }
    if err != nil { return err }

    // One send at a time per constrained connection: handshake, probe and
    // concurrent broadcasts must not interleave frames mid-run.
    l := s.sendLock(c.Key())
    l.Lock()
    defer l.Unlock()
    return frame.SendPaced(ctx, s.sch.Clock(), s.opts.InterFrameDelay, frames, func(f []byte) error {
        return c.Send(ctx, f)
    })
}
