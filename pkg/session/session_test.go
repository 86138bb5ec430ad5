package session

import (
    "context"
    "errors"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/benbjohnson/clock"

    "meshalert/pkg/protocol"
    "meshalert/pkg/protocol/codec"
    "meshalert/pkg/registry"
    "meshalert/pkg/sched"
    "meshalert/pkg/transport"
    "meshalert/pkg/transport/mem"
)

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(2 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
    sess   *Session
    reg    *registry.Registry
    cancel context.CancelFunc

    mu       sync.Mutex
    messages []protocol.Message
}

func startSession(t *testing.T, name string, clk clock.Clock, probe time.Duration, adapters ...transport.Adapter) *harness {
    t.Helper()
    h := &harness{reg: registry.New()}
    opts := Options{
        LocalID:         "emergency-test-" + name,
        DisplayName:     name,
        ProbeInterval:   probe,
        InterFrameDelay: time.Millisecond,
    }
    cb := Callbacks{
        OnMessage: func(_ transport.Kind, _ string, msg protocol.Message) {
            h.mu.Lock()
            h.messages = append(h.messages, msg)
            h.mu.Unlock()
        },
    }
    h.sess = New(opts, h.reg, sched.New(clk), codec.NewRegistry(), cb, adapters...)
    ctx, cancel := context.WithCancel(context.Background())
    h.cancel = cancel
    go h.sess.Run(ctx)
    t.Cleanup(cancel)
    return h
}

func (h *harness) received() []protocol.Message {
    h.mu.Lock()
    defer h.mu.Unlock()
    return append([]protocol.Message(nil), h.messages...)
}

func TestOpenCloseSymmetry(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    eb := net.Endpoint("B", transport.KindDirect)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    conn, err := ea.Open(context.Background(), "B")
    if err != nil { t.Fatalf("open: %v", err) }

    waitFor(t, "both registries populated", func() bool {
        return ha.reg.Count() == 1 && hb.reg.Count() == 1
    })
    if _, ok := ha.reg.Get(transport.KindDirect, "B"); !ok { t.Fatal("A missing entry for B") }
    if _, ok := hb.reg.Get(transport.KindDirect, "A"); !ok { t.Fatal("B missing entry for A") }

    // Handshake is informational but carries the display name.
    waitFor(t, "handshake name", func() bool {
        c, ok := hb.reg.Get(transport.KindDirect, "A")
        return ok && c.RemoteName() == "Alpha"
    })

    _ = conn.Close()
    waitFor(t, "both registries empty", func() bool {
        return ha.reg.Count() == 0 && hb.reg.Count() == 0
    })
}

func TestBroadcastPartialFailureIsolation(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    net.Endpoint("B", transport.KindDirect)
    net.Endpoint("C", transport.KindDirect)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)

    cb, err := ea.Open(context.Background(), "B")
    if err != nil { t.Fatalf("open B: %v", err) }
    if _, err := ea.Open(context.Background(), "C"); err != nil { t.Fatalf("open C: %v", err) }
    waitFor(t, "two connections", func() bool { return ha.reg.Count() == 2 })

    cb.(interface{ FailSends(error) }).FailSends(errors.New("link down"))

    n, err := ha.sess.Broadcast(context.Background(), protocol.NewChat("Alpha", "hello"))
    if err != nil { t.Fatalf("broadcast: %v", err) }
    if n != 2 { t.Fatalf("attempted = %d, want 2 regardless of failures", n) }
    // The failing connection stays put until the transport reports loss.
    if ha.reg.Count() != 2 { t.Fatalf("count = %d after send failure", ha.reg.Count()) }
}

func TestBroadcastNoConnections(t *testing.T) {
    net := mem.NewNetwork()
    ha := startSession(t, "Alpha", clock.New(), time.Hour, net.Endpoint("A", transport.KindDirect))
    n, err := ha.sess.Broadcast(context.Background(), protocol.NewChat("Alpha", "anyone?"))
    if !errors.Is(err, protocol.ErrNoConnections) { t.Fatalf("err = %v", err) }
    if n != 0 { t.Fatalf("attempted = %d", n) }
}

func TestConstrainedRoundtripSegmented(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindConstrained)
    eb := net.Endpoint("B", transport.KindConstrained)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "connected", func() bool { return ha.reg.Count() == 1 && hb.reg.Count() == 1 })

    text := strings.Repeat("segmented payload ", 5)
    if _, err := ha.sess.Broadcast(context.Background(), protocol.NewChat("Alpha", text)); err != nil {
        t.Fatalf("broadcast: %v", err)
    }

    waitFor(t, "reassembled chat", func() bool {
        for _, m := range hb.received() {
            if m.Kind == protocol.KindChat && m.Chat != nil && m.Chat.Text == text {
                return true
            }
        }
        return false
    })
}

func TestConcurrentSegmentedBroadcastsDoNotInterleave(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindConstrained)
    eb := net.Endpoint("B", transport.KindConstrained)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "connected", func() bool { return ha.reg.Count() == 1 && hb.reg.Count() == 1 })

    // Two multi-frame broadcasts race each other and the handshake on the
    // same connection; each run must stay contiguous on the wire.
    texts := []string{
        strings.Repeat("alpha stream payload ", 4),
        strings.Repeat("beta stream payload ", 4),
    }
    var wg sync.WaitGroup
    for _, text := range texts {
        wg.Add(1)
        go func(text string) {
            defer wg.Done()
            if _, err := ha.sess.Broadcast(context.Background(), protocol.NewChat("Alpha", text)); err != nil {
                t.Errorf("broadcast: %v", err)
            }
        }(text)
    }
    wg.Wait()

    for _, text := range texts {
        text := text
        waitFor(t, "reassembled "+text[:5], func() bool {
            for _, m := range hb.received() {
                if m.Kind == protocol.KindChat && m.Chat != nil && m.Chat.Text == text {
                    return true
                }
            }
            return false
        })
    }
}

func TestStaleOpenSupersededKeepsReplacement(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    eb := net.Endpoint("B", transport.KindDirect)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "first connection", func() bool { return ha.reg.Count() == 1 && hb.reg.Count() == 1 })

    // A second open for the same target supersedes the first; the teardown
    // of the stale handle must not evict the replacement.
    c2, err := ea.Open(context.Background(), "B")
    if err != nil { t.Fatalf("reopen: %v", err) }
    waitFor(t, "replacement registered", func() bool {
        c, ok := ha.reg.Get(transport.KindDirect, "B")
        return ok && c == c2
    })

    n, err := ha.sess.Broadcast(context.Background(), protocol.NewChat("Alpha", "still here"))
    if err != nil { t.Fatalf("broadcast: %v", err) }
    if n != 1 { t.Fatalf("attempted = %d, want 1", n) }
    waitFor(t, "delivery over replacement", func() bool {
        for _, m := range hb.received() {
            if m.Kind == protocol.KindChat && m.Chat != nil && m.Chat.Text == "still here" {
                return true
            }
        }
        return false
    })
    if ha.reg.Count() != 1 || hb.reg.Count() != 1 {
        t.Fatalf("counts = %d/%d after supersede", ha.reg.Count(), hb.reg.Count())
    }
}

func TestRunReturnsOnCancel(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    sess := New(Options{
        LocalID:     "emergency-test-alpha",
        DisplayName: "Alpha",
    }, registry.New(), sched.New(clock.New()), codec.NewRegistry(), Callbacks{}, ea)

    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan struct{})
    go func() {
        sess.Run(ctx)
        close(done)
    }()

    cancel()
    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("Run did not return after context cancellation")
    }
}

func TestCBORContentTypeRoundtrip(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    eb := net.Endpoint("B", transport.KindDirect)

    var mu sync.Mutex
    var got []protocol.Message
    regA, regB := registry.New(), registry.New()
    sa := New(Options{
        LocalID:     "emergency-test-alpha",
        DisplayName: "Alpha",
        ContentType: "application/cbor",
    }, regA, sched.New(clock.New()), codec.NewRegistry(), Callbacks{}, ea)
    sb := New(Options{
        LocalID:     "emergency-test-beta",
        DisplayName: "Beta",
        ContentType: "application/cbor",
    }, regB, sched.New(clock.New()), codec.NewRegistry(), Callbacks{
        OnMessage: func(_ transport.Kind, _ string, m protocol.Message) {
            mu.Lock(); got = append(got, m); mu.Unlock()
        },
    }, eb)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go sa.Run(ctx)
    go sb.Run(ctx)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "connected", func() bool { return regA.Count() == 1 && regB.Count() == 1 })

    if _, err := sa.Broadcast(context.Background(), protocol.NewChat("Alpha", "compact wire")); err != nil {
        t.Fatalf("broadcast: %v", err)
    }
    waitFor(t, "cbor chat", func() bool {
        mu.Lock()
        defer mu.Unlock()
        for _, m := range got {
            if m.Kind == protocol.KindChat && m.Chat != nil && m.Chat.Text == "compact wire" {
                return true
            }
        }
        return false
    })
}

func TestOversizeFileBecomesNotice(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindConstrained)
    eb := net.Endpoint("B", transport.KindConstrained)
    ha := startSession(t, "Alpha", clock.New(), time.Hour, ea)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "connected", func() bool { return ha.reg.Count() == 1 })

    big := protocol.NewFile("Alpha", "map.png", "image/png", make([]byte, 64*1024))
    if _, err := ha.sess.Broadcast(context.Background(), big); err != nil {
        t.Fatalf("broadcast: %v", err)
    }

    waitFor(t, "file notice", func() bool {
        for _, m := range hb.received() {
            if m.Kind == protocol.KindFileNotice && m.FileNotice != nil &&
                m.FileNotice.Name == "map.png" && m.FileNotice.Size == 64*1024 {
                return true
            }
        }
        return false
    })
}

func TestQualityProbeRemovesOnlyFailingConn(t *testing.T) {
    mock := clock.NewMock()
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    net.Endpoint("B", transport.KindDirect)
    net.Endpoint("C", transport.KindDirect)
    ha := startSession(t, "Alpha", mock, 10*time.Second, ea)

    cb, err := ea.Open(context.Background(), "B")
    if err != nil { t.Fatalf("open B: %v", err) }
    if _, err := ea.Open(context.Background(), "C"); err != nil { t.Fatalf("open C: %v", err) }
    waitFor(t, "two connections", func() bool { return ha.reg.Count() == 2 })

    cb.(interface{ FailSends(error) }).FailSends(errors.New("radio silence"))
    mock.Add(10 * time.Second)

    waitFor(t, "failing conn removed", func() bool { return ha.reg.Count() == 1 })
    if _, ok := ha.reg.Get(transport.KindDirect, "C"); !ok {
        t.Fatal("healthy connection was removed")
    }
    if _, ok := ha.reg.Get(transport.KindDirect, "B"); ok {
        t.Fatal("failing connection still registered")
    }
}

func TestEmergencyWithNullLocationStillBroadcasts(t *testing.T) {
    net := mem.NewNetwork()
    ea := net.Endpoint("A", transport.KindDirect)
    eb := net.Endpoint("B", transport.KindDirect)
    hb := startSession(t, "Beta", clock.New(), time.Hour, eb)

    var mu sync.Mutex
    var local protocol.Message
    reg := registry.New()
    sess := New(Options{
        LocalID:         "emergency-test-alpha",
        DisplayName:     "Alpha",
        ProbeInterval:   time.Hour,
        InterFrameDelay: time.Millisecond,
    }, reg, sched.New(clock.New()), codec.NewRegistry(), Callbacks{
        OnLocalEmergency: func(m protocol.Message) {
            mu.Lock(); local = m; mu.Unlock()
        },
    }, ea)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go sess.Run(ctx)

    if _, err := ea.Open(context.Background(), "B"); err != nil { t.Fatalf("open: %v", err) }
    waitFor(t, "connected", func() bool { return reg.Count() == 1 })

    msg, n, err := sess.BroadcastEmergency(context.Background(), "need assistance", nil)
    if err != nil { t.Fatalf("emergency: %v", err) }
    if n != 1 { t.Fatalf("attempted = %d", n) }
    if msg.Emergency == nil { t.Fatal("missing payload") }
    if msg.Emergency.Location.Latitude != nil || msg.Emergency.Location.Longitude != nil ||
        msg.Emergency.Location.Accuracy != nil {
        t.Fatalf("location not null: %+v", msg.Emergency.Location)
    }
    mu.Lock()
    renderedID := local.ID
    mu.Unlock()
    if renderedID != msg.ID { t.Fatal("not rendered locally before delivery") }

    waitFor(t, "remote emergency", func() bool {
        for _, m := range hb.received() {
            if m.Kind == protocol.KindEmergency { return true }
        }
        return false
    })
}
