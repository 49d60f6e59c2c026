// Package config loads the tunable knobs of the networking core (ring
// sizes, timeouts, port ranges, worker pool size) the way the rest of the
// example corpus configures services: defaults, overridden by an optional
// YAML file, overridden by CTNET_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in SPEC_FULL.md §4.9.
type Config struct {
	// RingSizeBytes is the RX ring buffer capacity, spec.md §3 fixes
	// this at 8192+16 for the real RTL8139 ring; it is still
	// configurable here so tests can exercise smaller rings.
	RingSizeBytes int `mapstructure:"ring_size_bytes"`

	// TxDescriptors is the number of TX descriptor slots (spec: 4).
	TxDescriptors int `mapstructure:"tx_descriptors"`

	// MTU is the link-layer payload ceiling used by IPv4 fragmentation.
	MTU int `mapstructure:"mtu"`

	// ReassemblyTimeoutSeconds is the per-slot hole-list timeout
	// (spec.md §3/§4.3.2: initially 15).
	ReassemblyTimeoutSeconds int `mapstructure:"reassembly_timeout_seconds"`

	// ReassemblySlots is the fixed reassembly table size (spec: 16).
	ReassemblySlots int `mapstructure:"reassembly_slots"`

	// RouteTableSize is the fixed routing table size (spec: 256).
	RouteTableSize int `mapstructure:"route_table_size"`

	// RawSocketTableSize is the fixed raw-IP socket slot table size
	// (spec: 1024).
	RawSocketTableSize int `mapstructure:"raw_socket_table_size"`

	// RawSocketBufferBytes bounds a raw socket's receive queue (spec:
	// 16 x 64 KiB).
	RawSocketBufferBytes int `mapstructure:"raw_socket_buffer_bytes"`

	// UDPRecvBufferBytes bounds a UCB's pending-bytes counter.
	UDPRecvBufferBytes int `mapstructure:"udp_recv_buffer_bytes"`

	// EphemeralPortBase is UDP_EPHEMERAL_PORT from spec.md §4.4.
	EphemeralPortBase int `mapstructure:"ephemeral_port_base"`

	// WorkerCount is the number of work-queue worker goroutines.
	WorkerCount int `mapstructure:"worker_count"`

	// ARPResolveTimeout bounds how long a TX work handler keeps
	// requeueing while waiting on ARP resolution before dropping.
	ARPResolveTimeout time.Duration `mapstructure:"arp_resolve_timeout"`

	// LogLevel is passed to klog.Init.
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration the spec's fixed-size tables imply.
func Default() Config {
	return Config{
		RingSizeBytes:            8192 + 16,
		TxDescriptors:            4,
		MTU:                      1500,
		ReassemblyTimeoutSeconds: 15,
		ReassemblySlots:          16,
		RouteTableSize:           256,
		RawSocketTableSize:       1024,
		RawSocketBufferBytes:     16 * 64 * 1024,
		UDPRecvBufferBytes:       64 * 1024,
		EphemeralPortBase:        49152,
		WorkerCount:              4,
		ARPResolveTimeout:        3 * time.Second,
		LogLevel:                 "info",
	}
}

// Load reads configuration from an optional file path (empty skips the
// file) layered over Default(), then over CTNET_-prefixed environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CTNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("ring_size_bytes", cfg.RingSizeBytes)
	v.SetDefault("tx_descriptors", cfg.TxDescriptors)
	v.SetDefault("mtu", cfg.MTU)
	v.SetDefault("reassembly_timeout_seconds", cfg.ReassemblyTimeoutSeconds)
	v.SetDefault("reassembly_slots", cfg.ReassemblySlots)
	v.SetDefault("route_table_size", cfg.RouteTableSize)
	v.SetDefault("raw_socket_table_size", cfg.RawSocketTableSize)
	v.SetDefault("raw_socket_buffer_bytes", cfg.RawSocketBufferBytes)
	v.SetDefault("udp_recv_buffer_bytes", cfg.UDPRecvBufferBytes)
	v.SetDefault("ephemeral_port_base", cfg.EphemeralPortBase)
	v.SetDefault("worker_count", cfg.WorkerCount)
	v.SetDefault("arp_resolve_timeout", cfg.ARPResolveTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
}
