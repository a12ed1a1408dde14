// Package config loads and validates the fabric's YAML configuration
// document described in spec.md §6. It is an external collaborator
// to the packet-plane core: the core only ever consumes the
// already-validated Config value, never the YAML file itself.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration document.
type Config struct {
	Simulation  Simulation           `yaml:"simulation"`
	Interfaces  Interfaces           `yaml:"interfaces"`
	TunIngress  TunIngress           `yaml:"tun_ingress"`
	Routers     []string             `yaml:"routers"`
	Links       map[string]LinkEntry `yaml:"links"`
}

// Simulation carries the fabric-wide defaults.
type Simulation struct {
	MTU  datasize.ByteSize `yaml:"mtu"`
	Seed *uint64           `yaml:"seed"`
}

// TunEndpoint describes one host-side TUN device's configuration.
type TunEndpoint struct {
	Name   string `yaml:"name"`
	Addr   string `yaml:"addr"`   // host-side address, e.g. "10.0.0.1"
	Prefix int    `yaml:"prefix"` // netmask/prefix length
	Family string `yaml:"family"` // "ipv4" or "ipv6"
	NoPI   bool   `yaml:"no_pi"`  // IFF_NO_PI: omit the 4-byte framing header
}

// Interfaces names the two TUN devices and their host-side addressing.
type Interfaces struct {
	TunA TunEndpoint `yaml:"tun_a"`
	TunB TunEndpoint `yaml:"tun_b"`
}

// TunIngress maps each TUN device to the router that receives its
// traffic, plus optional source-prefix fields. The source-prefix
// fields are loaded but not read by any code: the direction of mock
// ingress is chosen by the --mock-entry flag, not by prefix matching.
type TunIngress struct {
	TunAIngress  string `yaml:"tun_a_ingress"`
	TunBIngress  string `yaml:"tun_b_ingress"`
	IPv4SrcPfxA  string `yaml:"tun_a_ipv4_src_prefix"`
	IPv6SrcPfxA  string `yaml:"tun_a_ipv6_src_prefix"`
	IPv4SrcPfxB  string `yaml:"tun_b_ipv4_src_prefix"`
	IPv6SrcPfxB  string `yaml:"tun_b_ipv6_src_prefix"`
}

// LinkEntry is one value in the links map, keyed "A_B".
type LinkEntry struct {
	MTU             datasize.ByteSize `yaml:"mtu"`
	DelayMS         uint64            `yaml:"delay_ms"`
	JitterMS        uint64            `yaml:"jitter_ms"`
	LossPercent     float64           `yaml:"loss_percent"`
	LoadBalance     bool              `yaml:"load_balance"`
	PerPacketSpread bool              `yaml:"per_packet_spread"`
}

// Load reads and unmarshals a YAML configuration document from path.
// It does not validate; call Validate on the result before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Simulation.MTU == 0 {
		c.Simulation.MTU = 1500 * datasize.B
	}
	for key, entry := range c.Links {
		if entry.MTU == 0 {
			entry.MTU = c.Simulation.MTU
			c.Links[key] = entry
		}
	}
}
