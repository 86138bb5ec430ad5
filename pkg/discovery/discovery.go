// Package discovery decides, on startup and on failure, which transport to
// attempt next. Scans are staggered to avoid contending for radio/OS
// resources, and every delay runs through named scheduler timers so tests
// can advance virtual time.
package discovery

import (
    "context"
    "sync"
    "time"

    "go.uber.org/zap"

    "meshalert/pkg/config"
    "meshalert/pkg/protocol"
    "meshalert/pkg/registry"
    "meshalert/pkg/sched"
    "meshalert/pkg/transport"
)

// Timer names, fixed so a reschedule replaces the pending attempt instead
// of stacking a second one.
const (
    timerConstrainedScan = "discovery:constrained-scan"
    timerSubnetProbe     = "discovery:subnet-probe"
    timerRediscover      = "discovery:rediscover"
)

// State tracks one transport's discovery progress.
type State int

const (
    StateIdle State = iota
    StateScanning
    StateConnecting
    StateActive
)

func (s State) String() string {
    switch s {
    case StateScanning:
        return "scanning"
    case StateConnecting:
        return "connecting"
    case StateActive:
        return "active"
    default:
        return "idle"
    }
}

// ConstrainedScanner discovers nearby constrained-transport devices and
// returns their DeviceIdentity handles for the current discovery session.
type ConstrainedScanner interface {
    Scan(ctx context.Context) ([]string, error)
}

// SubnetProber browses the local subnet for advertised peer identities.
type SubnetProber interface {
    Probe(ctx context.Context) ([]string, error)
}

// Options hold the controller timings, usually derived from config.
type Options struct {
    ConstrainedScanDelay time.Duration
    SubnetProbeDelay     time.Duration
    ErrorFallbackDelay   time.Duration
    ConnectFallbackDelay time.Duration
    RediscoverInterval   time.Duration
    MinConnections       int
    AutoConnect          bool
}

// FromConfig converts the millisecond config knobs.
func FromConfig(d config.DiscoveryConfig, autoConnect bool) Options {
    return Options{
        ConstrainedScanDelay: time.Duration(d.ConstrainedScanDelayMS) * time.Millisecond,
        SubnetProbeDelay:     time.Duration(d.SubnetProbeDelayMS) * time.Millisecond,
        ErrorFallbackDelay:   time.Duration(d.ErrorFallbackDelayMS) * time.Millisecond,
        ConnectFallbackDelay: time.Duration(d.ConnectFallbackDelayMS) * time.Millisecond,
        RediscoverInterval:   time.Duration(d.RediscoverIntervalMS) * time.Millisecond,
        MinConnections:       d.MinConnections,
        AutoConnect:          autoConnect,
    }
}

// Controller is the per-transport state machine
// idle -> scanning -> (connecting -> active) | idle.
type Controller struct {
    opts Options
    sch  *sched.Scheduler
    reg  *registry.Registry

    direct      transport.Adapter
    constrained transport.Adapter
    scanner     ConstrainedScanner
    prober      SubnetProber

    mu     sync.Mutex
    states map[transport.Kind]State
}

// New wires the controller. scanner, prober and either adapter may be nil
// when that path is disabled.
func New(opts Options, sch *sched.Scheduler, reg *registry.Registry, direct, constrained transport.Adapter, scanner ConstrainedScanner, prober SubnetProber) *Controller {
    return &Controller{
        opts:        opts,
        sch:         sch,
        reg:         reg,
        direct:      direct,
        constrained: constrained,
        scanner:     scanner,
        prober:      prober,
        states:      map[transport.Kind]State{transport.KindDirect: StateIdle, transport.KindConstrained: StateIdle},
    }
}

// State reports the discovery state for a transport kind.
func (c *Controller) State(k transport.Kind) State {
    c.mu.Lock()
    defer c.mu.Unlock()
    if k.Constrained() { k = transport.KindConstrained }
    return c.states[k]
}

func (c *Controller) setState(k transport.Kind, s State) {
    if k.Constrained() { k = transport.KindConstrained }
    c.mu.Lock()
    c.states[k] = s
    c.mu.Unlock()
}

// Start schedules the staggered startup scans (constrained first, subnet
// probe second) and the periodic rediscovery.
func (c *Controller) Start(ctx context.Context) {
    c.sch.After(timerConstrainedScan, c.opts.ConstrainedScanDelay, func() { c.ScanConstrained(ctx) })
    c.sch.After(timerSubnetProbe, c.opts.SubnetProbeDelay, func() { c.ProbeSubnet(ctx) })
    c.sch.Every(timerRediscover, c.opts.RediscoverInterval, func() { c.rediscover(ctx) })
}

// Stop cancels all pending discovery work.
func (c *Controller) Stop() {
    c.sch.Cancel(timerConstrainedScan)
    c.sch.Cancel(timerSubnetProbe)
    c.sch.Cancel(timerRediscover)
}

// OnDirectFailure reacts to a lost direct connection: with no constrained
// connections active, fall back to a constrained scan after a short delay.
func (c *Controller) OnDirectFailure(ctx context.Context, err error) {
    if c.reg.Count()-len(c.reg.Direct()) > 0 {
        return
    }
    zap.L().Info("direct transport failed, scheduling constrained fallback",
        zap.Duration("delay", c.opts.ErrorFallbackDelay), zap.Error(err))
    c.sch.After(timerConstrainedScan, c.opts.ErrorFallbackDelay, func() { c.ScanConstrained(ctx) })
}

// ConnectDirect dials one peer over the direct transport. A connect failure
// schedules a constrained scan as fallback.
func (c *Controller) ConnectDirect(ctx context.Context, peerID string) error {
    if c.direct == nil { return nil }
    c.setState(transport.KindDirect, StateConnecting)
    _, err := c.direct.Open(ctx, peerID)
    if err != nil {
        c.setState(transport.KindDirect, StateIdle)
        zap.L().Warn("direct connect failed, scheduling constrained fallback",
            zap.String("peer", peerID),
            zap.Duration("delay", c.opts.ConnectFallbackDelay),
            zap.Error(err))
        c.sch.After(timerConstrainedScan, c.opts.ConnectFallbackDelay, func() { c.ScanConstrained(ctx) })
        return &protocol.ConnectError{Transport: transport.KindDirect.String(), Target: peerID, Err: err}
    }
    c.setState(transport.KindDirect, StateActive)
    return nil
}

// ScanConstrained runs one constrained-transport discovery pass and opens a
// connection to every device not already registered.
func (c *Controller) ScanConstrained(ctx context.Context) {
    if c.scanner == nil || c.constrained == nil { return }
    c.setState(transport.KindConstrained, StateScanning)
    ids, err := c.scanner.Scan(ctx)
    if err != nil {
        zap.L().Warn("constrained scan failed", zap.Error(err))
        c.setState(transport.KindConstrained, StateIdle)
        return
    }
    connected := 0
    for _, id := range ids {
        if _, ok := c.reg.Get(transport.KindConstrained, id); ok { continue }
        c.setState(transport.KindConstrained, StateConnecting)
        if _, err := c.constrained.Open(ctx, id); err != nil {
            zap.L().Warn("constrained connect failed", zap.String("device", id), zap.Error(err))
            continue
        }
        connected++
    }
    if connected > 0 {
        c.setState(transport.KindConstrained, StateActive)
    } else {
        c.setState(transport.KindConstrained, StateIdle)
    }
}

// ProbeSubnet browses the local subnet and dials every advertised peer not
// already connected.
func (c *Controller) ProbeSubnet(ctx context.Context) {
    if c.prober == nil { return }
    c.setState(transport.KindDirect, StateScanning)
    peers, err := c.prober.Probe(ctx)
    if err != nil {
        zap.L().Warn("subnet probe failed", zap.Error(err))
        c.setState(transport.KindDirect, StateIdle)
        return
    }
    for _, id := range peers {
        if _, ok := c.reg.Get(transport.KindDirect, id); ok { continue }
        _ = c.ConnectDirect(ctx, id)
    }
    if len(c.reg.Direct()) == 0 {
        c.setState(transport.KindDirect, StateIdle)
    }
}

// rediscover re-runs discovery while under-connected and auto-connect is on.
func (c *Controller) rediscover(ctx context.Context) {
    if !c.opts.AutoConnect || c.reg.Count() >= c.opts.MinConnections {
        return
    }
    zap.L().Debug("rediscovery pass", zap.Int("connections", c.reg.Count()))
    c.ScanConstrained(ctx)
    c.ProbeSubnet(ctx)
}
