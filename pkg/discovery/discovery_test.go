package discovery

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/benbjohnson/clock"

    "meshalert/pkg/registry"
    "meshalert/pkg/sched"
    "meshalert/pkg/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

type fakeConn struct {
    key  string
    kind transport.Kind
}

func (f *fakeConn) Key() string                        { return f.key }
func (f *fakeConn) Kind() transport.Kind               { return f.kind }
func (f *fakeConn) RemoteName() string                 { return "" }
func (f *fakeConn) OpenedAt() time.Time                { return time.Time{} }
func (f *fakeConn) Send(context.Context, []byte) error { return nil }
func (f *fakeConn) Close() error                       { return nil }

type fakeAdapter struct {
    kind transport.Kind

    mu      sync.Mutex
    opened  []string
    openErr error
}

func (a *fakeAdapter) Kind() transport.Kind           { return a.kind }
func (a *fakeAdapter) Events() <-chan transport.Event { return nil }
func (a *fakeAdapter) Close() error                   { return nil }

func (a *fakeAdapter) Open(_ context.Context, target string) (transport.Conn, error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.openErr != nil { return nil, a.openErr }
    a.opened = append(a.opened, target)
    return &fakeConn{key: target, kind: a.kind}, nil
}

func (a *fakeAdapter) openedTargets() []string {
    a.mu.Lock()
    defer a.mu.Unlock()
    return append([]string(nil), a.opened...)
}

type fakeScanner struct {
    mock *clock.Mock

    mu    sync.Mutex
    runs  []time.Time
    found []string
}

func (s *fakeScanner) Scan(context.Context) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.runs = append(s.runs, s.mock.Now())
    return s.found, nil
}

func (s *fakeScanner) runTimes() []time.Time {
    s.mu.Lock()
    defer s.mu.Unlock()
    return append([]time.Time(nil), s.runs...)
}

type fakeProber struct {
    mock *clock.Mock

    mu    sync.Mutex
    runs  []time.Time
    found []string
}

func (p *fakeProber) Probe(context.Context) ([]string, error) {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.runs = append(p.runs, p.mock.Now())
    return p.found, nil
}

func (p *fakeProber) runTimes() []time.Time {
    p.mu.Lock()
    defer p.mu.Unlock()
    return append([]time.Time(nil), p.runs...)
}

func testOptions() Options {
    return Options{
        ConstrainedScanDelay: time.Second,
        SubnetProbeDelay:     3 * time.Second,
        ErrorFallbackDelay:   2 * time.Second,
        ConnectFallbackDelay: time.Second,
        RediscoverInterval:   30 * time.Second,
        MinConnections:       3,
        AutoConnect:          true,
    }
}

func TestStartupStagger(t *testing.T) {
    mock := clock.NewMock()
    start := mock.Now()
    reg := registry.New()
    scanner := &fakeScanner{mock: mock}
    prober := &fakeProber{mock: mock}
    c := New(testOptions(), sched.New(mock), reg,
        &fakeAdapter{kind: transport.KindDirect},
        &fakeAdapter{kind: transport.KindConstrained},
        scanner, prober)
    defer c.Stop()

    c.Start(context.Background())

    mock.Add(999 * time.Millisecond)
    if len(scanner.runTimes()) != 0 { t.Fatal("constrained scan fired before t+1s") }
    mock.Add(time.Millisecond)
    waitFor(t, "constrained scan", func() bool { return len(scanner.runTimes()) == 1 })
    if got := scanner.runTimes()[0].Sub(start); got != time.Second {
        t.Fatalf("constrained scan at t+%v, want t+1s", got)
    }

    mock.Add(1999 * time.Millisecond)
    if len(prober.runTimes()) != 0 { t.Fatal("subnet probe fired before t+3s") }
    mock.Add(time.Millisecond)
    waitFor(t, "subnet probe", func() bool { return len(prober.runTimes()) == 1 })
    if got := prober.runTimes()[0].Sub(start); got != 3*time.Second {
        t.Fatalf("subnet probe at t+%v, want t+3s", got)
    }
}

func TestConnectFailureSchedulesConstrainedFallback(t *testing.T) {
    mock := clock.NewMock()
    reg := registry.New()
    scanner := &fakeScanner{mock: mock}
    direct := &fakeAdapter{kind: transport.KindDirect, openErr: errors.New("unreachable")}
    c := New(testOptions(), sched.New(mock), reg, direct,
        &fakeAdapter{kind: transport.KindConstrained}, scanner, nil)
    defer c.Stop()

    if err := c.ConnectDirect(context.Background(), "emergency-peer-x"); err == nil {
        t.Fatal("expected connect error")
    }
    if c.State(transport.KindDirect) != StateIdle {
        t.Fatalf("direct state = %v", c.State(transport.KindDirect))
    }

    mock.Add(time.Second)
    waitFor(t, "fallback scan", func() bool { return len(scanner.runTimes()) == 1 })
}

func TestDirectErrorFallsBackOnlyWithoutConstrained(t *testing.T) {
    mock := clock.NewMock()
    reg := registry.New()
    scanner := &fakeScanner{mock: mock}
    c := New(testOptions(), sched.New(mock), reg,
        &fakeAdapter{kind: transport.KindDirect},
        &fakeAdapter{kind: transport.KindConstrained}, scanner, nil)
    defer c.Stop()

    // A constrained connection exists: no fallback scan is scheduled.
    reg.Insert(&fakeConn{key: "dev-1", kind: transport.KindConstrained})
    c.OnDirectFailure(context.Background(), errors.New("ice failed"))
    mock.Add(time.Minute)
    time.Sleep(5 * time.Millisecond)
    if len(scanner.runTimes()) != 0 { t.Fatal("fallback scan despite active constrained conn") }

    reg.Remove(transport.KindConstrained, "dev-1")
    c.OnDirectFailure(context.Background(), errors.New("ice failed"))
    mock.Add(2 * time.Second)
    waitFor(t, "fallback scan", func() bool { return len(scanner.runTimes()) == 1 })
}

func TestScanConnectsDiscoveredDevices(t *testing.T) {
    mock := clock.NewMock()
    reg := registry.New()
    constrained := &fakeAdapter{kind: transport.KindConstrained}
    scanner := &fakeScanner{mock: mock, found: []string{"dev-a", "dev-b"}}
    c := New(testOptions(), sched.New(mock), reg, nil, constrained, scanner, nil)
    defer c.Stop()

    // dev-a is already connected and must not be redialed.
    reg.Insert(&fakeConn{key: "dev-a", kind: transport.KindConstrained})
    c.ScanConstrained(context.Background())

    got := constrained.openedTargets()
    if len(got) != 1 || got[0] != "dev-b" {
        t.Fatalf("opened %v, want [dev-b]", got)
    }
    if c.State(transport.KindConstrained) != StateActive {
        t.Fatalf("state = %v", c.State(transport.KindConstrained))
    }
}

func TestRediscoverGatedByCountAndAutoConnect(t *testing.T) {
    mock := clock.NewMock()
    reg := registry.New()
    scanner := &fakeScanner{mock: mock}
    prober := &fakeProber{mock: mock}
    opts := testOptions()
    c := New(opts, sched.New(mock), reg,
        &fakeAdapter{kind: transport.KindDirect},
        &fakeAdapter{kind: transport.KindConstrained}, scanner, prober)
    defer c.Stop()
    c.Start(context.Background())

    // Swallow the startup stagger.
    mock.Add(3 * time.Second)
    waitFor(t, "startup pass", func() bool {
        return len(scanner.runTimes()) == 1 && len(prober.runTimes()) == 1
    })

    // Under-connected: the 30s tick re-runs discovery.
    mock.Add(27 * time.Second)
    waitFor(t, "rediscovery", func() bool {
        return len(scanner.runTimes()) == 2 && len(prober.runTimes()) == 2
    })

    // At or above the threshold: the tick is a no-op.
    for _, k := range []string{"p1", "p2", "p3"} {
        reg.Insert(&fakeConn{key: k, kind: transport.KindDirect})
    }
    mock.Add(30 * time.Second)
    time.Sleep(5 * time.Millisecond)
    if len(scanner.runTimes()) != 2 { t.Fatal("rediscovery ran while fully connected") }
}
