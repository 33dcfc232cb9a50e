// Package config loads the daemon's TOML configuration file: one struct
// per concern, permissive defaulting, and a final range check before the
// value is trusted.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// TunConfig configures the TUN device cmd/l3meshd creates and configures
// itself at startup.
type TunConfig struct {
	Name       string   `toml:"name"`
	Addr       string   `toml:"addr"`       // CIDR, e.g. "10.10.0.1/24"
	LinkMTU    int      `toml:"link_mtu"`
	AddRoute   bool     `toml:"add_route"`
	GrayRoutes []string `toml:"gray_routes"` // extra CIDRs routed onto the device
}

// MeshConfig configures the peer mesh: this node's own addresses, the
// listener port peers dial, the peer roster file, and the ipset name kept
// in sync with live peers.
type MeshConfig struct {
	SelfV4      string `toml:"self_v4"`
	SelfV6      string `toml:"self_v6"`
	ListenPort  int    `toml:"listen_port"`
	PeerFile    string `toml:"peer_file"`
	IPSetName   string `toml:"ipset_name"`
	ReloadEvery string `toml:"reload_every"` // duration string; "" disables periodic reload
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
}

// Config is the top-level TOML document.
type Config struct {
	Tun  TunConfig  `toml:"tun"`
	Mesh MeshConfig `toml:"mesh"`
	Log  LogConfig  `toml:"log"`
}

// Default returns a Config with every field set to its default value; the
// zero Config built here is what callers then override from the file.
func Default() Config {
	return Config{
		Tun: TunConfig{
			Name:    "l3mesh0",
			LinkMTU: 1400,
		},
		Mesh: MeshConfig{
			ListenPort: 7100,
			IPSetName:  "l3mesh-peers",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a TOML file at path, applying defaults for any
// field the file leaves at its zero value, then validates ranges.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills in any field that decoding left at its zero value,
// re-checking each field after decode rather than relying on decode-time
// defaulting alone.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Tun.Name == "" {
		cfg.Tun.Name = d.Tun.Name
	}
	if cfg.Tun.LinkMTU == 0 {
		cfg.Tun.LinkMTU = d.Tun.LinkMTU
	}
	if cfg.Mesh.ListenPort == 0 {
		cfg.Mesh.ListenPort = d.Mesh.ListenPort
	}
	if cfg.Mesh.IPSetName == "" {
		cfg.Mesh.IPSetName = d.Mesh.IPSetName
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
}

func validate(cfg *Config) error {
	if cfg.Mesh.SelfV4 == "" && cfg.Mesh.SelfV6 == "" {
		return fmt.Errorf("config: at least one of mesh.self_v4 or mesh.self_v6 is required")
	}
	if cfg.Mesh.PeerFile == "" {
		return fmt.Errorf("config: mesh.peer_file is required")
	}
	if cfg.Mesh.ListenPort <= 0 || cfg.Mesh.ListenPort > 65535 {
		return fmt.Errorf("config: mesh.listen_port %d out of range", cfg.Mesh.ListenPort)
	}
	if cfg.Tun.LinkMTU <= 0 {
		return fmt.Errorf("config: tun.link_mtu must be positive")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q invalid", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q invalid", cfg.Log.Format)
	}
	if cfg.Mesh.ReloadEvery != "" {
		if _, err := time.ParseDuration(cfg.Mesh.ReloadEvery); err != nil {
			return fmt.Errorf("config: mesh.reload_every %q: %w", cfg.Mesh.ReloadEvery, err)
		}
	}
	return nil
}
