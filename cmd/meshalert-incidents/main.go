// meshalert-incidents is the standalone incident-log server: a flat-file
// store behind a small HTTP API, run independently of any mesh node.
package main

import (
    "context"
    "errors"
    "flag"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "meshalert/pkg/config"
    "meshalert/pkg/incidentlog"
    "meshalert/pkg/observability"
)

func main() {
    os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
    fs := flag.NewFlagSet("meshalert-incidents", flag.ExitOnError)
    configPath := fs.String("config", "", "Path to YAML config file")
    addr := fs.String("addr", ":8080", "HTTP listen address")
    dataPath := fs.String("data", "incidents.json", "Path to the incident log file")
    _ = fs.Parse(args)

    cfg, err := config.Load(*configPath)
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

    store, err := incidentlog.Open(*dataPath)
    if err != nil {
        zap.L().Error("failed to open incident log", zap.Error(err))
        return 1
    }
    zap.L().Info("meshalert-incidents started",
        zap.String("addr", *addr),
        zap.String("data", *dataPath),
        zap.Int("incidents", len(store.List())))

    srv := &http.Server{Addr: *addr, Handler: incidentlog.Handler(store)}
    errCh := make(chan error, 1)
    go func() { errCh <- srv.ListenAndServe() }()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    select {
    case err := <-errCh:
        if !errors.Is(err, http.ErrServerClosed) {
            zap.L().Error("http server", zap.Error(err))
            return 1
        }
    case <-ctx.Done():
        zap.L().Info("shutting down")
        shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
        defer stop()
        _ = srv.Shutdown(shutdownCtx)
    }
    return 0
}
