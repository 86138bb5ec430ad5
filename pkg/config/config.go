// Package config provides YAML-based configuration loading for meshalert.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // DisplayName is the human-readable device name sent in handshakes.
    DisplayName string `mapstructure:"display_name"`

    // AutoConnect enables periodic rediscovery while under-connected.
    AutoConnect bool `mapstructure:"auto_connect"`

    // MessageContentType selects the wire codec for logical messages:
    // application/json (default) or application/cbor. Both peers must agree.
    MessageContentType string `mapstructure:"message_content_type"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Direct configures the peer-connection transport.
    Direct DirectConfig `mapstructure:"direct"`

    // Constrained configures the short-range radio transport.
    Constrained ConstrainedConfig `mapstructure:"constrained"`

    // Discovery holds fallback-controller timings.
    Discovery DiscoveryConfig `mapstructure:"discovery"`

    // Incidents points the node at the optional incident-log server.
    Incidents IncidentsConfig `mapstructure:"incidents"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// DirectConfig configures the signaling-assisted peer-connection transport.
type DirectConfig struct {
    // SignalURL is the websocket signaling endpoint.
    SignalURL string `mapstructure:"signal_url"`
    // STUNServers for ICE; empty means LAN-only.
    STUNServers []string `mapstructure:"stun_servers"`
}

// ConstrainedConfig configures the radio transport.
type ConstrainedConfig struct {
    Enable bool `mapstructure:"enable"`
    // ServiceUUID identifies the well-known message service.
    ServiceUUID string `mapstructure:"service_uuid"`
    // MessageCharUUID is the message characteristic.
    MessageCharUUID string `mapstructure:"message_char_uuid"`
    // StatusCharUUID is reserved and currently unused.
    StatusCharUUID string `mapstructure:"status_char_uuid"`
    // GenericFallback permits using any writable characteristic when the
    // named service is absent.
    GenericFallback bool `mapstructure:"generic_fallback"`
    // ScanWindowMS bounds one discovery scan.
    ScanWindowMS int `mapstructure:"scan_window_ms"`
}

// DiscoveryConfig holds fallback-controller timings in milliseconds.
// The defaults implement the staggered startup and failure fallbacks.
type DiscoveryConfig struct {
    ConstrainedScanDelayMS int `mapstructure:"constrained_scan_delay_ms"`
    SubnetProbeDelayMS     int `mapstructure:"subnet_probe_delay_ms"`
    ErrorFallbackDelayMS   int `mapstructure:"error_fallback_delay_ms"`
    ConnectFallbackDelayMS int `mapstructure:"connect_fallback_delay_ms"`
    RediscoverIntervalMS   int `mapstructure:"rediscover_interval_ms"`
    QualityProbeIntervalMS int `mapstructure:"quality_probe_interval_ms"`
    // MinConnections is the rediscovery threshold.
    MinConnections int `mapstructure:"min_connections"`
    // MDNSService is the subnet-probe service name.
    MDNSService string `mapstructure:"mdns_service"`
}

// IncidentsConfig points at the separate incident-log server process.
type IncidentsConfig struct {
    // BaseURL of the incident-log HTTP API; empty disables reporting.
    BaseURL string `mapstructure:"base_url"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName:            "meshalert-node",
        DisplayName:        "",
        AutoConnect:        true,
        MessageContentType: "application/json",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/meshalert.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Direct: DirectConfig{
            SignalURL: "ws://127.0.0.1:9000/signal",
        },
        Constrained: ConstrainedConfig{
            Enable:          true,
            ServiceUUID:     "0000e311-0000-1000-8000-00805f9b34fb",
            MessageCharUUID: "0000e312-0000-1000-8000-00805f9b34fb",
            StatusCharUUID:  "0000e313-0000-1000-8000-00805f9b34fb",
            GenericFallback: true,
            ScanWindowMS:    8000,
        },
        Discovery: DiscoveryConfig{
            ConstrainedScanDelayMS: 1000,
            SubnetProbeDelayMS:     3000,
            ErrorFallbackDelayMS:   2000,
            ConnectFallbackDelayMS: 1000,
            RediscoverIntervalMS:   30000,
            QualityProbeIntervalMS: 10000,
            MinConnections:         3,
            MDNSService:            "_meshalert._tcp",
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHALERT and `.`/`-` are replaced
// with `_`. Example: MESHALERT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MESHALERT")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("display_name", cfg.DisplayName)
    v.SetDefault("auto_connect", cfg.AutoConnect)
    v.SetDefault("message_content_type", cfg.MessageContentType)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("direct.signal_url", cfg.Direct.SignalURL)
    v.SetDefault("direct.stun_servers", cfg.Direct.STUNServers)
    v.SetDefault("constrained.enable", cfg.Constrained.Enable)
    v.SetDefault("constrained.service_uuid", cfg.Constrained.ServiceUUID)
    v.SetDefault("constrained.message_char_uuid", cfg.Constrained.MessageCharUUID)
    v.SetDefault("constrained.status_char_uuid", cfg.Constrained.StatusCharUUID)
    v.SetDefault("constrained.generic_fallback", cfg.Constrained.GenericFallback)
    v.SetDefault("constrained.scan_window_ms", cfg.Constrained.ScanWindowMS)
    v.SetDefault("discovery.constrained_scan_delay_ms", cfg.Discovery.ConstrainedScanDelayMS)
    v.SetDefault("discovery.subnet_probe_delay_ms", cfg.Discovery.SubnetProbeDelayMS)
    v.SetDefault("discovery.error_fallback_delay_ms", cfg.Discovery.ErrorFallbackDelayMS)
    v.SetDefault("discovery.connect_fallback_delay_ms", cfg.Discovery.ConnectFallbackDelayMS)
    v.SetDefault("discovery.rediscover_interval_ms", cfg.Discovery.RediscoverIntervalMS)
    v.SetDefault("discovery.quality_probe_interval_ms", cfg.Discovery.QualityProbeIntervalMS)
    v.SetDefault("discovery.min_connections", cfg.Discovery.MinConnections)
    v.SetDefault("discovery.mdns_service", cfg.Discovery.MDNSService)
    v.SetDefault("incidents.base_url", cfg.Incidents.BaseURL)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("MESHALERT_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `meshalert`
        v.SetConfigName("meshalert")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".meshalert"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.Direct.SignalURL) == "" {
        return errors.New("direct.signal_url is required")
    }
    switch strings.ToLower(strings.TrimSpace(c.MessageContentType)) {
    case "", "application/json":
        c.MessageContentType = "application/json"
    case "application/cbor":
        c.MessageContentType = "application/cbor"
    default:
        return fmt.Errorf("unsupported message_content_type: %q", c.MessageContentType)
    }
    d := &c.Discovery
    for _, p := range []struct {
        name  string
        value int
    }{
        {"discovery.constrained_scan_delay_ms", d.ConstrainedScanDelayMS},
        {"discovery.subnet_probe_delay_ms", d.SubnetProbeDelayMS},
        {"discovery.error_fallback_delay_ms", d.ErrorFallbackDelayMS},
        {"discovery.connect_fallback_delay_ms", d.ConnectFallbackDelayMS},
        {"discovery.rediscover_interval_ms", d.RediscoverIntervalMS},
        {"discovery.quality_probe_interval_ms", d.QualityProbeIntervalMS},
    } {
        if p.value <= 0 {
            return fmt.Errorf("%s must be positive", p.name)
        }
    }
    if d.MinConnections <= 0 {
        d.MinConnections = 3
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
