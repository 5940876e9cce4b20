// Package config loads the engine's configuration table (spec.md §6)
// from a YAML file, with command-line flags able to override individual
// values. Modeled on the teacher's config.go (a hand-parsed config file)
// and its kissutil.go/appserver.go CLI front-ends (pflag for overrides),
// generalized to a small typed struct plus gopkg.in/yaml.v3 decoding.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/loramesh/meshd/internal/proto"
)

// Config is the engine's full configuration table.
type Config struct {
	LocalAddress uint16 `yaml:"local_address"`
	RoleNames    string `yaml:"role"` // comma-separated: client, gateway, relay, terminal

	MaxPacketSize int `yaml:"max_packet_size"`

	BandHz      uint32 `yaml:"band_hz"`
	Bandwidth   uint32 `yaml:"bandwidth"`
	SpreadFactor uint8 `yaml:"spread_factor"`
	CodingRate  uint8  `yaml:"coding_rate"`
	SyncWord    uint8  `yaml:"sync_word"`
	PowerDBm    int8   `yaml:"power_dbm"`
	PreambleLen uint16 `yaml:"preamble_len"`
	CRCEnabled  bool   `yaml:"crc_enabled"`

	DutyCyclePct int `yaml:"duty_cycle_pct"`

	HelloDelaySeconds   int `yaml:"hello_delay_s"`
	RoutingExpireSeconds int `yaml:"routing_expire_s"`
	RoutingExpireCycles int `yaml:"routing_expire_cycles"`
	RTMaxSize           int `yaml:"rt_max_size"`

	MinTimeoutSeconds int `yaml:"min_timeout_s"`
	MaxTimeouts       int `yaml:"max_timeouts"`
	MaxResendPacket   int `yaml:"max_resend_packet"`

	RoutingSnapshotDelaySeconds int `yaml:"routing_table_update_delay_s"`

	// DebugRoutingLogSeconds, when > 0, makes the engine log a one-line
	// routing-table summary on this tick — an observability feature the
	// original firmware ran as a separate print task, distinct from the
	// uplink snapshot. 0 (the default) disables it.
	DebugRoutingLogSeconds int `yaml:"debug_routing_log_s"`

	DNSSDName string `yaml:"dns_sd_name"`
	GatewayTCPPort int `yaml:"gateway_tcp_port"`
}

// Default returns the configuration table's documented defaults.
func Default() Config {
	return Config{
		RoleNames:                   "",
		MaxPacketSize:               proto.DefaultFrameSize,
		BandHz:                      868100000,
		Bandwidth:                   125000,
		SpreadFactor:                7,
		CodingRate:                  5,
		SyncWord:                    0x12,
		PowerDBm:                    14,
		PreambleLen:                 8,
		CRCEnabled:                  false,
		DutyCyclePct:                10,
		HelloDelaySeconds:           5,
		RoutingExpireSeconds:        5,
		RoutingExpireCycles:         3,
		RTMaxSize:                   256,
		MinTimeoutSeconds:           2,
		MaxTimeouts:                 5,
		MaxResendPacket:             3,
		RoutingSnapshotDelaySeconds: 30,
		GatewayTCPPort:              8000,
	}
}

// Load reads a YAML config file, falling back to Default() for anything
// the file doesn't set (the file is decoded onto a copy of the defaults,
// so a sparse file is normal).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Role parses the configured role string into a proto.Role bitmask.
func (c Config) Role() proto.Role {
	var r proto.Role
	for _, tok := range splitRole(c.RoleNames) {
		switch tok {
		case "client":
			r |= proto.RoleClient
		case "gateway":
			r |= proto.RoleGateway
		case "relay":
			r |= proto.RoleRelay
		case "terminal":
			r |= proto.RoleTerminal
		}
	}
	return r
}

func splitRole(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Flags holds the pflag overrides for the most commonly tuned fields,
// matching the teacher's pattern of KISS-protocol overrides winning over
// the config file. Call pflag.Parse() after RegisterFlags, then Apply to
// fold the parsed values back into cfg.
type Flags struct {
	configPath  *string
	localAddr   *uint16
	role        *string
	dutyCycle   *int
	helloDelay  *int
}

// RegisterFlags declares the CLI overrides on the default pflag.CommandLine.
func RegisterFlags() *Flags {
	return &Flags{
		configPath: pflag.StringP("config", "c", "", "Path to a YAML config file."),
		localAddr:  pflag.Uint16P("address", "a", 0, "Local node address (overrides config file)."),
		role:       pflag.StringP("role", "r", "", "Comma-separated role list: client,gateway,relay,terminal."),
		dutyCycle:  pflag.IntP("duty-cycle", "d", -1, "Duty-cycle percentage (overrides config file)."),
		helloDelay: pflag.IntP("hello-delay", "e", -1, "Hello beacon interval in seconds (overrides config file)."),
	}
}

// Apply folds any flags explicitly set by the user into cfg.
func (f *Flags) Apply(cfg Config) Config {
	if *f.localAddr != 0 {
		cfg.LocalAddress = *f.localAddr
	}
	if *f.role != "" {
		cfg.RoleNames = *f.role
	}
	if *f.dutyCycle >= 0 {
		cfg.DutyCyclePct = *f.dutyCycle
	}
	if *f.helloDelay >= 0 {
		cfg.HelloDelaySeconds = *f.helloDelay
	}
	return cfg
}

// ConfigPath returns the --config flag's value.
func (f *Flags) ConfigPath() string { return *f.configPath }
