package discovery

import (
    "context"
    "strings"
    "time"

    "github.com/grandcat/zeroconf"
)

const (
    mdnsDomain      = "local."
    mdnsProbeWindow = 3 * time.Second
)

// MDNSProber implements SubnetProber over zeroconf/mDNS. Peers advertise
// their PeerIdentity in a TXT record; the probe collects everything except
// the local node.
type MDNSProber struct {
    Service string
    LocalID string
    Window  time.Duration

    // browse is swappable for tests.
    browse func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// NewMDNSProber builds a prober for the given service name.
func NewMDNSProber(service, localID string) *MDNSProber {
    return &MDNSProber{Service: service, LocalID: localID, Window: mdnsProbeWindow}
}

func (p *MDNSProber) Probe(ctx context.Context) ([]string, error) {
    browse := p.browse
    if browse == nil {
        resolver, err := zeroconf.NewResolver(nil)
        if err != nil { return nil, err }
        browse = resolver.Browse
    }

    window := p.Window
    if window <= 0 { window = mdnsProbeWindow }
    ctx, cancel := context.WithTimeout(ctx, window)
    defer cancel()

    entries := make(chan *zeroconf.ServiceEntry, 16)
    if err := browse(ctx, p.Service, mdnsDomain, entries); err != nil {
        return nil, err
    }

    var peers []string
    for e := range entries {
        id := peerIDFromTXT(e.Text)
        if id == "" || id == p.LocalID { continue }
        peers = append(peers, id)
    }
    return peers, nil
}

// Broadcast advertises the local peer identity on the subnet. The returned
// server must be shut down on exit.
func Broadcast(displayName, service, localID string, port int) (*zeroconf.Server, error) {
    if displayName == "" { displayName = "Unknown Device" }
    txt := []string{"peer_id=" + localID}
    return zeroconf.Register(displayName, service, mdnsDomain, port, txt, nil)
}

func peerIDFromTXT(txt []string) string {
    for _, kv := range txt {
        if v, ok := strings.CutPrefix(kv, "peer_id="); ok {
            return v
        }
    }
    return ""
}
