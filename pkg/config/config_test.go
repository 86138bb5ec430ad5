package config

import (
    "os"
    "path/filepath"
    "testing"
)

func TestDefaultsValidate(t *testing.T) {
    cfg, err := Load("")
    if err != nil { t.Fatalf("load defaults: %v", err) }
    if cfg.Discovery.ConstrainedScanDelayMS != 1000 || cfg.Discovery.SubnetProbeDelayMS != 3000 {
        t.Fatalf("stagger defaults: %+v", cfg.Discovery)
    }
    if cfg.Discovery.MinConnections != 3 {
        t.Fatalf("min_connections = %d", cfg.Discovery.MinConnections)
    }
    if !cfg.Constrained.GenericFallback {
        t.Fatal("generic fallback disabled by default")
    }
}

func TestLoadFromFile(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "meshalert.yaml")
    body := []byte("display_name: Rescue One\nlog:\n  level: debug\ndiscovery:\n  min_connections: 5\n")
    if err := os.WriteFile(path, body, 0o644); err != nil { t.Fatalf("write: %v", err) }

    cfg, err := Load(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.DisplayName != "Rescue One" { t.Fatalf("display_name = %q", cfg.DisplayName) }
    if cfg.Log.Level != "debug" { t.Fatalf("log.level = %q", cfg.Log.Level) }
    if cfg.Discovery.MinConnections != 5 { t.Fatalf("min_connections = %d", cfg.Discovery.MinConnections) }
    // untouched defaults survive partial files
    if cfg.Discovery.QualityProbeIntervalMS != 10000 {
        t.Fatalf("probe interval = %d", cfg.Discovery.QualityProbeIntervalMS)
    }
}

func TestMessageContentType(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "meshalert.yaml")
    if err := os.WriteFile(path, []byte("message_content_type: application/cbor\n"), 0o644); err != nil {
        t.Fatalf("write: %v", err)
    }
    cfg, err := Load(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.MessageContentType != "application/cbor" {
        t.Fatalf("content type = %q", cfg.MessageContentType)
    }

    if err := os.WriteFile(path, []byte("message_content_type: text/xml\n"), 0o644); err != nil {
        t.Fatalf("write: %v", err)
    }
    if _, err := Load(path); err == nil {
        t.Fatal("unsupported content type accepted")
    }
}

func TestInvalidLevelRejected(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "meshalert.yaml")
    if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
        t.Fatalf("write: %v", err)
    }
    if _, err := Load(path); err == nil {
        t.Fatal("invalid log level accepted")
    }
}
