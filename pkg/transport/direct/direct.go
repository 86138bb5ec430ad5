// Package direct implements the peer-connection transport over WebRTC data
// channels. Offers and answers travel through a websocket signaling service
// identified by the local PeerIdentity; the signaling protocol itself is an
// external collaborator and this adapter only speaks to it as a client.
package direct

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/pion/webrtc/v3"
    "go.uber.org/zap"

    "meshalert/pkg/protocol"
    "meshalert/pkg/transport"
)

const (
    dataChannelLabel = "messages"
    gatherTimeout    = 5 * time.Second
    answerTimeout    = 15 * time.Second
)

// Adapter dials and accepts WebRTC peer connections.
type Adapter struct {
    localID     string
    displayName string
    webrtcCfg   webrtc.Configuration
    sig         *signalClient

    events chan transport.Event

    mu      sync.Mutex
    conns   map[string]*conn
    pending map[string]chan string // answer SDP by remote peer id
    closed  bool
}

// New connects to the signaling service and registers the local identity.
// Empty stunServers means LAN-only ICE.
func New(ctx context.Context, localID, displayName, signalURL string, stunServers []string) (*Adapter, error) {
    cfg := webrtc.Configuration{}
    if len(stunServers) > 0 {
        cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
    }
    a := &Adapter{
        localID:     localID,
        displayName: displayName,
        webrtcCfg:   cfg,
        events:      make(chan transport.Event, 128),
        conns:       make(map[string]*conn),
        pending:     make(map[string]chan string),
    }
    sig, err := dialSignal(ctx, signalURL, localID, a.handleSignal)
    if err != nil {
        return nil, &protocol.ConnectError{Transport: transport.KindDirect.String(), Target: signalURL, Err: err}
    }
    a.sig = sig
    return a, nil
}

func (a *Adapter) Kind() transport.Kind           { return transport.KindDirect }
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Open dials a remote PeerIdentity: create the data channel, exchange
// offer/answer over signaling, and wait for the channel to open. The
// connection is announced via an Opened event as well as returned.
func (a *Adapter) Open(ctx context.Context, target string) (transport.Conn, error) {
    pc, err := webrtc.NewPeerConnection(a.webrtcCfg)
    if err != nil {
        return nil, a.connectErr(target, err)
    }
    dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
    if err != nil {
        _ = pc.Close()
        return nil, a.connectErr(target, err)
    }
    c := a.newConn(target, pc, dc)

    offer, err := pc.CreateOffer(nil)
    if err != nil {
        _ = pc.Close()
        return nil, a.connectErr(target, err)
    }
    if err := pc.SetLocalDescription(offer); err != nil {
        _ = pc.Close()
        return nil, a.connectErr(target, err)
    }
    // Non-trickle: wait for ICE gathering so one envelope carries all
    // candidates.
    select {
    case <-webrtc.GatheringCompletePromise(pc):
    case <-time.After(gatherTimeout):
        _ = pc.Close()
        return nil, a.connectErr(target, errors.New("ICE gathering timeout"))
    case <-ctx.Done():
        _ = pc.Close()
        return nil, a.connectErr(target, ctx.Err())
    }

    answerCh := make(chan string, 1)
    a.mu.Lock()
    a.pending[target] = answerCh
    a.mu.Unlock()
    defer func() {
        a.mu.Lock()
        delete(a.pending, target)
        a.mu.Unlock()
    }()

    err = a.sig.send(envelope{
        Type: "offer",
        From: a.localID,
        To:   target,
        Name: a.displayName,
        SDP:  pc.LocalDescription().SDP,
    })
    if err != nil {
        _ = pc.Close()
        return nil, a.connectErr(target, err)
    }

    select {
    case sdp := <-answerCh:
        err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
        if err != nil {
            _ = pc.Close()
            return nil, a.connectErr(target, err)
        }
    case <-time.After(answerTimeout):
        _ = pc.Close()
        return nil, a.connectErr(target, errors.New("no answer from peer"))
    case <-ctx.Done():
        _ = pc.Close()
        return nil, a.connectErr(target, ctx.Err())
    }
    return c, nil
}

func (a *Adapter) Close() error {
    a.mu.Lock()
    if a.closed {
        a.mu.Unlock()
        return nil
    }
    a.closed = true
    conns := make([]*conn, 0, len(a.conns))
    for _, c := range a.conns { conns = append(conns, c) }
    a.mu.Unlock()

    for _, c := range conns { _ = c.Close() }
    a.sig.close()
    close(a.events)
    return nil
}

// handleSignal processes inbound signaling envelopes: offers from peers
// dialing us (accept-incoming) and answers for our own pending offers.
func (a *Adapter) handleSignal(env envelope) {
    switch env.Type {
    case "offer":
        a.acceptOffer(env)
    case "answer":
        a.mu.Lock()
        ch := a.pending[env.From]
        a.mu.Unlock()
        if ch != nil {
            select {
            case ch <- env.SDP:
            default:
            }
        }
    default:
        zap.L().Debug("ignoring signal", zap.String("type", env.Type))
    }
}

func (a *Adapter) acceptOffer(env envelope) {
    pc, err := webrtc.NewPeerConnection(a.webrtcCfg)
    if err != nil {
        zap.L().Warn("accept: peer connection", zap.Error(err))
        return
    }
    // The dialing side creates the channel; adopt it when it arrives.
    pc.OnDataChannel(func(dc *webrtc.DataChannel) {
        if dc.Label() != dataChannelLabel { return }
        c := a.newConn(env.From, pc, dc)
        c.setRemoteName(env.Name)
    })

    err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP})
    if err != nil {
        zap.L().Warn("accept: remote description", zap.Error(err))
        _ = pc.Close()
        return
    }
    answer, err := pc.CreateAnswer(nil)
    if err != nil {
        zap.L().Warn("accept: create answer", zap.Error(err))
        _ = pc.Close()
        return
    }
    if err := pc.SetLocalDescription(answer); err != nil {
        zap.L().Warn("accept: local description", zap.Error(err))
        _ = pc.Close()
        return
    }
    select {
    case <-webrtc.GatheringCompletePromise(pc):
    case <-time.After(gatherTimeout):
        zap.L().Warn("accept: ICE gathering timeout", zap.String("peer", env.From))
        _ = pc.Close()
        return
    }
    err = a.sig.send(envelope{
        Type: "answer",
        From: a.localID,
        To:   env.From,
        Name: a.displayName,
        SDP:  pc.LocalDescription().SDP,
    })
    if err != nil {
        zap.L().Warn("accept: send answer", zap.Error(err))
        _ = pc.Close()
    }
}

func (a *Adapter) newConn(key string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *conn {
    c := &conn{a: a, key: key, pc: pc, dc: dc, openedAt: time.Now()}

    dc.OnOpen(func() {
        a.mu.Lock()
        a.conns[key] = c
        a.mu.Unlock()
        a.emit(transport.Event{Type: transport.EventOpened, Kind: transport.KindDirect, Key: key, Conn: c})
    })
    dc.OnMessage(func(m webrtc.DataChannelMessage) {
        a.emit(transport.Event{Type: transport.EventData, Kind: transport.KindDirect, Key: key, Frame: m.Data})
    })
    dc.OnClose(func() {
        c.teardown(nil)
    })
    pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
        switch st {
        case webrtc.PeerConnectionStateFailed:
            c.teardown(fmt.Errorf("peer connection failed"))
        case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
            c.teardown(nil)
        }
    })
    return c
}

func (a *Adapter) emit(ev transport.Event) {
    a.mu.Lock()
    closed := a.closed
    a.mu.Unlock()
    if closed { return }
    a.events <- ev
}

func (a *Adapter) connectErr(target string, err error) error {
    return &protocol.ConnectError{Transport: transport.KindDirect.String(), Target: target, Err: err}
}

type conn struct {
    a        *Adapter
    key      string
    pc       *webrtc.PeerConnection
    dc       *webrtc.DataChannel
    openedAt time.Time

    mu       sync.Mutex
    name     string
    downOnce sync.Once
}

func (c *conn) Key() string          { return c.key }
func (c *conn) Kind() transport.Kind { return transport.KindDirect }
func (c *conn) OpenedAt() time.Time  { return c.openedAt }

func (c *conn) RemoteName() string {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.name
}

// SetRemoteName records the display name learned from the handshake.
func (c *conn) SetRemoteName(n string) { c.setRemoteName(n) }

func (c *conn) setRemoteName(n string) {
    if n == "" { return }
    c.mu.Lock(); c.name = n; c.mu.Unlock()
}

func (c *conn) Send(_ context.Context, frame []byte) error {
    if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
        return &protocol.SendError{Transport: transport.KindDirect.String(), Key: c.key, Err: errors.New("data channel not open")}
    }
    if err := c.dc.Send(frame); err != nil {
        return &protocol.SendError{Transport: transport.KindDirect.String(), Key: c.key, Err: err}
    }
    return nil
}

func (c *conn) Close() error {
    c.teardown(nil)
    return nil
}

// teardown emits exactly one Closed/Failed event and forgets the conn.
func (c *conn) teardown(err error) {
    c.downOnce.Do(func() {
        _ = c.pc.Close()
        c.a.mu.Lock()
        if c.a.conns[c.key] == c { delete(c.a.conns, c.key) }
        c.a.mu.Unlock()
        ev := transport.Event{Type: transport.EventClosed, Kind: transport.KindDirect, Key: c.key, Conn: c}
        if err != nil {
            ev = transport.Event{Type: transport.EventFailed, Kind: transport.KindDirect, Key: c.key, Conn: c, Err: err}
        }
        c.a.emit(ev)
    })
}
