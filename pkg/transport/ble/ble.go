// Package ble implements the constrained transport as a BLE central. Frames
// go out over WriteWithoutResponse on the peer's message characteristic and
// come back via notifications; segmentation above this layer keeps every
// write at or under the 20-byte MTU.
package ble

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"
    "tinygo.org/x/bluetooth"

    "meshalert/pkg/config"
    "meshalert/pkg/protocol"
    "meshalert/pkg/transport"
)

const defaultScanWindow = 5 * time.Second

// Adapter drives the platform BLE stack. It doubles as the discovery
// scanner: Scan records the devices it sees so Open can dial them by
// DeviceIdentity (the platform address string).
type Adapter struct {
    serviceUUID bluetooth.UUID
    messageUUID bluetooth.UUID
    generic     bool
    scanWindow  time.Duration

    ble    *bluetooth.Adapter
    events chan transport.Event

    mu      sync.Mutex
    enabled bool
    closed  bool
    conns   map[string]*conn
    seen    map[string]scanHit
}

type scanHit struct {
    addr    bluetooth.Address
    name    string
    generic bool
}

// New builds the adapter from config. The radio is enabled lazily on the
// first scan or dial.
func New(cfg config.ConstrainedConfig) (*Adapter, error) {
    svc, err := bluetooth.ParseUUID(cfg.ServiceUUID)
    if err != nil {
        return nil, fmt.Errorf("service uuid: %w", err)
    }
    msg, err := bluetooth.ParseUUID(cfg.MessageCharUUID)
    if err != nil {
        return nil, fmt.Errorf("message characteristic uuid: %w", err)
    }
    window := time.Duration(cfg.ScanWindowMS) * time.Millisecond
    if window <= 0 { window = defaultScanWindow }
    return &Adapter{
        serviceUUID: svc,
        messageUUID: msg,
        generic:     cfg.GenericFallback,
        scanWindow:  window,
        ble:         bluetooth.DefaultAdapter,
        events:      make(chan transport.Event, 128),
        conns:       make(map[string]*conn),
        seen:        make(map[string]scanHit),
    }, nil
}

func (a *Adapter) Kind() transport.Kind           { return transport.KindConstrained }
func (a *Adapter) Events() <-chan transport.Event { return a.events }

func (a *Adapter) enable() error {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.enabled { return nil }
    if err := a.ble.Enable(); err != nil {
        return err
    }
    a.enabled = true
    return nil
}

// Scan runs one discovery window and returns the DeviceIdentity of every
// device advertising the service UUID. With the generic fallback on, named
// devices without the service are reported too; whether they can actually
// carry messages is settled at connect time.
func (a *Adapter) Scan(ctx context.Context) ([]string, error) {
    if err := a.enable(); err != nil {
        return nil, err
    }

    var (
        mu  sync.Mutex
        ids []string
    )
    done := make(chan error, 1)
    go func() {
        done <- a.ble.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
            id := result.Address.String()
            matched := result.HasServiceUUID(a.serviceUUID)
            if !matched && (!a.generic || result.LocalName() == "") {
                return
            }
            hit := scanHit{addr: result.Address, name: result.LocalName(), generic: !matched}
            mu.Lock()
            if _, dup := findID(ids, id); !dup {
                ids = append(ids, id)
            }
            mu.Unlock()
            a.mu.Lock()
            a.seen[id] = hit
            a.mu.Unlock()
        })
    }()

    select {
    case <-time.After(a.scanWindow):
    case <-ctx.Done():
    }
    _ = a.ble.StopScan()
    if err := <-done; err != nil {
        return nil, err
    }

    mu.Lock()
    defer mu.Unlock()
    zap.L().Debug("constrained scan window complete", zap.Int("devices", len(ids)))
    return ids, nil
}

// Open connects to a previously scanned device, resolves its message
// characteristic and subscribes to notifications.
func (a *Adapter) Open(ctx context.Context, target string) (transport.Conn, error) {
    if err := a.enable(); err != nil {
        return nil, a.connectErr(target, err)
    }
    a.mu.Lock()
    hit, ok := a.seen[target]
    a.mu.Unlock()
    if !ok {
        mac, err := bluetooth.ParseMAC(target)
        if err != nil {
            return nil, a.connectErr(target, errors.New("device not seen in any scan"))
        }
        hit = scanHit{addr: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}}
    }

    dev, err := a.ble.Connect(hit.addr, bluetooth.ConnectionParams{})
    if err != nil {
        return nil, a.connectErr(target, err)
    }

    kind := transport.KindConstrained
    if hit.generic { kind = transport.KindConstrainedGeneric }
    handler := func(buf []byte) {
        frame := make([]byte, len(buf))
        copy(frame, buf)
        a.emit(transport.Event{Type: transport.EventData, Kind: kind, Key: target, Frame: frame})
    }

    char, err := a.resolveMessageChar(dev, hit.generic, handler)
    if err != nil {
        _ = dev.Disconnect()
        return nil, a.connectErr(target, err)
    }

    c := &conn{
        a:        a,
        key:      target,
        kind:     kind,
        name:     hit.name,
        dev:      dev,
        char:     char,
        openedAt: time.Now(),
    }

    a.mu.Lock()
    a.conns[target] = c
    a.mu.Unlock()
    a.emit(transport.Event{Type: transport.EventOpened, Kind: kind, Key: target, Conn: c})
    return c, nil
}

// frameWriter is the write side of a resolved GATT characteristic.
type frameWriter interface {
    WriteWithoutResponse(p []byte) (n int, err error)
}

// gattChar is one discovered characteristic candidate.
type gattChar interface {
    frameWriter
    EnableNotifications(handler func(buf []byte)) error
}

// gattService groups a discovered service's characteristics for selection.
type gattService struct {
    uuid  bluetooth.UUID
    chars []gattChar
}

// resolveMessageChar finds the message channel and subscribes the inbound
// handler. The mesh service carries both directions on its message
// characteristic; generic mode falls back to whatever the device offers.
func (a *Adapter) resolveMessageChar(dev bluetooth.Device, generic bool, handler func([]byte)) (frameWriter, error) {
    if !generic {
        svcs, err := dev.DiscoverServices([]bluetooth.UUID{a.serviceUUID})
        if err != nil {
            return nil, fmt.Errorf("discover services: %w", err)
        }
        if len(svcs) == 0 {
            return nil, errors.New("mesh service not present")
        }
        chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{a.messageUUID})
        if err != nil {
            return nil, fmt.Errorf("discover characteristics: %w", err)
        }
        if len(chars) == 0 {
            return nil, errors.New("message characteristic not present")
        }
        if err := chars[0].EnableNotifications(handler); err != nil {
            return nil, fmt.Errorf("enable notifications: %w", err)
        }
        return &chars[0], nil
    }

    svcs, err := dev.DiscoverServices(nil)
    if err != nil {
        return nil, fmt.Errorf("discover services: %w", err)
    }
    candidates := make([]gattService, 0, len(svcs))
    for i := range svcs {
        chars, err := svcs[i].DiscoverCharacteristics(nil)
        if err != nil { continue }
        gs := gattService{uuid: svcs[i].UUID()}
        for j := range chars {
            gs.chars = append(gs.chars, &chars[j])
        }
        candidates = append(candidates, gs)
    }
    return pickGeneric(candidates, handler)
}

// pickGeneric selects a message channel on a device without the mesh
// service: the first characteristic outside the standard GAP/GATT services
// that accepts a write, with notifications subscribed on it or, failing
// that, on a sibling in the same service. The central API exposes no
// property flags, so writability is probed with a zero-length write.
func pickGeneric(svcs []gattService, handler func([]byte)) (frameWriter, error) {
    for _, svc := range svcs {
        if svc.uuid == bluetooth.ServiceUUIDGenericAccess ||
            svc.uuid == bluetooth.ServiceUUIDGenericAttribute {
            continue
        }
        for i, ch := range svc.chars {
            if _, err := ch.WriteWithoutResponse(nil); err != nil { continue }
            if err := ch.EnableNotifications(handler); err != nil {
                for j, sib := range svc.chars {
                    if j == i { continue }
                    if sib.EnableNotifications(handler) == nil { break }
                }
            }
            return ch, nil
        }
    }
    return nil, errors.New("no usable characteristic")
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
    close(a.events)
    return nil
}

func (a *Adapter) emit(ev transport.Event) {
    a.mu.Lock()
    closed := a.closed
    a.mu.Unlock()
    if closed { return }
    a.events <- ev
}

func (a *Adapter) connectErr(target string, err error) error {
    return &protocol.ConnectError{Transport: transport.KindConstrained.String(), Target: target, Err: err}
}

func findID(ids []string, id string) (int, bool) {
    for i, v := range ids {
        if v == id { return i, true }
    }
    return -1, false
}

type conn struct {
    a        *Adapter
    key      string
    kind     transport.Kind
    dev      bluetooth.Device
    char     frameWriter
    openedAt time.Time

    mu       sync.Mutex
    name     string
    downOnce sync.Once
}

func (c *conn) Key() string          { return c.key }
func (c *conn) Kind() transport.Kind { return c.kind }
func (c *conn) OpenedAt() time.Time  { return c.openedAt }

func (c *conn) RemoteName() string {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.name
}

func (c *conn) SetRemoteName(n string) {
    if n == "" { return }
    c.mu.Lock(); c.name = n; c.mu.Unlock()
}

// Send writes one frame without response. Link loss shows up here as a
// write error; the session's quality probe turns that into removal.
func (c *conn) Send(_ context.Context, frame []byte) error {
    if _, err := c.char.WriteWithoutResponse(frame); err != nil {
        return &protocol.SendError{Transport: c.kind.String(), Key: c.key, Err: err}
    }
    return nil
}

func (c *conn) Close() error {
    c.teardown(nil)
    return nil
}

func (c *conn) teardown(err error) {
    c.downOnce.Do(func() {
        _ = c.dev.Disconnect()
        c.a.mu.Lock()
        if c.a.conns[c.key] == c { delete(c.a.conns, c.key) }
        c.a.mu.Unlock()
        ev := transport.Event{Type: transport.EventClosed, Kind: c.kind, Key: c.key, Conn: c}
        if err != nil {
            ev = transport.Event{Type: transport.EventFailed, Kind: c.kind, Key: c.key, Conn: c, Err: err}
        }
        c.a.emit(ev)
    })
}
