// Package config binds the process's environment into a typed
// configuration struct, per SPEC_FULL.md §6/§10.
package config

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every environment-tunable setting this stack recognizes.
// Listen port is fixed at 8080 and is not configurable (SPEC_FULL.md §6).
type Config struct {
	TapIf       string `env:"TAP_IF, default=tap0"`
	OurMACRaw   string `env:"OUR_MAC, default=02:00:00:00:00:01"`
	OurIP       netip.Addr `env:"OUR_IP, default=10.0.0.1"`
	PeerIP      netip.Addr `env:"PEER_IP, default=10.0.0.2"`
	MetricsAddr string     `env:"METRICS_ADDR, default=127.0.0.1:9100"`
	LogLevel    string     `env:"LOG_LEVEL, default=info"`
}

// ListenPort is fixed, per SPEC_FULL.md §6.
const ListenPort = 8080

// Load binds environment variables into a Config, applying defaults and
// basic type conversions via go-envconfig's struct tags.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// OurMAC parses the colon-hex OUR_MAC setting into a 6-byte hardware
// address. netip has no MAC type, so this stays a net.ParseMAC call guarded
// by a fixed-length check, same as the teacher's own address parsing habit.
func (c Config) OurMAC() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(c.OurMACRaw)
	if err != nil {
		return mac, fmt.Errorf("config: bad OUR_MAC %q: %w", c.OurMACRaw, err)
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("config: OUR_MAC must be 6 bytes, got %d", len(hw))
	}
	copy(mac[:], hw)
	return mac, nil
}
