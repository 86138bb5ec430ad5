package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/benbjohnson/clock"
    "go.uber.org/zap"

    "meshalert/pkg/config"
    "meshalert/pkg/discovery"
    "meshalert/pkg/geoloc"
    "meshalert/pkg/identity"
    "meshalert/pkg/incidentlog"
    "meshalert/pkg/observability"
    "meshalert/pkg/protocol"
    "meshalert/pkg/protocol/codec"
    "meshalert/pkg/registry"
    "meshalert/pkg/sched"
    "meshalert/pkg/session"
    "meshalert/pkg/transport"
    "meshalert/pkg/transport/ble"
    "meshalert/pkg/transport/direct"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    localID := identity.NewPeerID()
    zap.L().Info("meshalert-node started",
        zap.String("app", cfg.AppName),
        zap.String("peer_id", localID),
        zap.String("display_name", cfg.DisplayName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    reg := registry.New()
    sch := sched.New(clock.New())
    defer sch.Stop()
    codecs := codec.NewRegistry()

    // Transports are independent: a failed signaling dial still leaves the
    // constrained radio usable, and vice versa.
    var adapters []transport.Adapter
    var directAdapter transport.Adapter
    da, err := direct.New(ctx, localID, cfg.DisplayName, cfg.Direct.SignalURL, cfg.Direct.STUNServers)
    if err != nil {
        zap.L().Warn("direct transport unavailable", zap.Error(err))
    } else {
        directAdapter = da
        adapters = append(adapters, da)
        defer da.Close()
    }

    var constrainedAdapter transport.Adapter
    var scanner discovery.ConstrainedScanner
    if cfg.Constrained.Enable {
        ba, err := ble.New(cfg.Constrained)
        if err != nil {
            zap.L().Warn("constrained transport unavailable", zap.Error(err))
        } else {
            constrainedAdapter = ba
            scanner = ba
            adapters = append(adapters, ba)
            defer ba.Close()
        }
    }
    if len(adapters) == 0 {
        zap.L().Error("no transport available")
        return 1
    }

    var reporter *incidentlog.Client
    if cfg.Incidents.BaseURL != "" {
        reporter = incidentlog.NewClient(cfg.Incidents.BaseURL)
    }

    prober := discovery.NewMDNSProber(cfg.Discovery.MDNSService, localID)
    ctrl := discovery.New(discovery.FromConfig(cfg.Discovery, cfg.AutoConnect),
        sch, reg, directAdapter, constrainedAdapter, scanner, prober)

    cb := session.Callbacks{
        OnMessage: func(kind transport.Kind, key string, msg protocol.Message) {
            logMessage(kind, key, msg)
            if msg.Kind == protocol.KindEmergency && msg.Emergency != nil {
                report(ctx, reporter, msg.Sender, msg.Emergency.Text, msg.Emergency.Location)
            }
        },
        OnConnectionsChanged: func(count int) {
            zap.L().Info("active connections", zap.Int("count", count))
        },
        OnLocalEmergency: func(msg protocol.Message) {
            zap.L().Warn("EMERGENCY ALERT SENT", zap.String("text", msg.Emergency.Text))
            report(ctx, reporter, msg.Sender, msg.Emergency.Text, msg.Emergency.Location)
        },
        OnDirectFailure: func(err error) {
            ctrl.OnDirectFailure(ctx, err)
        },
    }

    sess := session.New(session.Options{
        LocalID:       localID,
        DisplayName:   cfg.DisplayName,
        ContentType:   cfg.MessageContentType,
        ProbeInterval: time.Duration(cfg.Discovery.QualityProbeIntervalMS) * time.Millisecond,
    }, reg, sch, codecs, cb, adapters...)
    go sess.Run(ctx)

    ctrl.Start(ctx)
    defer ctrl.Stop()

    mdns, err := discovery.Broadcast(cfg.DisplayName, cfg.Discovery.MDNSService, localID, opts.MDNSPort)
    if err != nil {
        zap.L().Warn("mdns broadcast unavailable", zap.Error(err))
    } else {
        defer mdns.Shutdown()
    }

    if opts.Connect != "" {
        go func() {
            if err := ctrl.ConnectDirect(ctx, opts.Connect); err != nil {
                zap.L().Warn("startup connect failed", zap.Error(err))
            }
        }()
    }
    if opts.Emergency != "" {
        // Give discovery a moment to establish links before alerting.
        sch.After("cli-emergency", 5*time.Second, func() {
            if _, _, err := sess.BroadcastEmergency(ctx, opts.Emergency, geoloc.Null{}); err != nil {
                zap.L().Warn("emergency broadcast", zap.Error(err))
            }
        })
    }

    zap.L().Info("node is running; press Ctrl+C to exit")
    <-ctx.Done()
    zap.L().Info("shutting down")
    return 0
}

func logMessage(kind transport.Kind, key string, msg protocol.Message) {
    switch msg.Kind {
    case protocol.KindChat:
        zap.L().Info("chat message",
            zap.String("from", msg.DisplayName()), zap.String("text", msg.Chat.Text))
    case protocol.KindEmergency:
        zap.L().Warn("EMERGENCY ALERT RECEIVED",
            zap.String("from", msg.DisplayName()), zap.String("text", msg.Emergency.Text))
    case protocol.KindFile:
        zap.L().Info("file received",
            zap.String("from", msg.DisplayName()),
            zap.String("name", msg.File.Name),
            zap.Int("bytes", len(msg.File.Data)))
    case protocol.KindFileNotice:
        zap.L().Info("file announced, too large for this link",
            zap.String("from", msg.DisplayName()),
            zap.String("name", msg.FileNotice.Name),
            zap.Int64("bytes", msg.FileNotice.Size))
    default:
        zap.L().Debug("message",
            zap.String("kind", msg.Kind.String()),
            zap.String("transport", kind.String()),
            zap.String("key", key))
    }
}

// report files the emergency with the incident-log server, if configured.
func report(ctx context.Context, c *incidentlog.Client, sender, text string, loc protocol.Location) {
    if c == nil { return }
    go func() {
        in, err := c.Report(ctx, incidentlog.CreateRequest{
            SenderName: sender,
            Text:       text,
            Location:   loc,
        })
        if err != nil {
            zap.L().Warn("incident report failed", zap.Error(err))
            return
        }
        zap.L().Info("incident reported", zap.String("id", in.ID))
    }()
}
