// Package config loads and validates the host's TOML configuration file,
// including the path of the persisted client state.toml (which
// internal/clients reads and writes).
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// AddressConfig groups the listener ports for every external interface.
type AddressConfig struct {
	RESTPlainPort int `toml:"rest_plain_port"`
	RESTTLSPort  int `toml:"rest_tls_port"`
	RTSPPort     int `toml:"rtsp_port"`
	VideoPort    int `toml:"video_port"`
	ControlPort  int `toml:"control_port"`
	AudioPort    int `toml:"audio_port"`
}

// StreamConfig groups defaults for the video/audio data plane.
type StreamConfig struct {
	PacketSize      int `toml:"packet_size"`
	FECPercentage   int `toml:"fec_percentage"`
	PacketDuration  int `toml:"packet_duration_ms"`
}

// TLSConfig names the on-disk certificate/key pair used by the REST mTLS
// front end, generated on first run if absent.
type TLSConfig struct {
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
}

// PairingConfig tunes the pairing handshake's operational limits.
type PairingConfig struct {
	PINTimeoutSeconds int `toml:"pin_timeout_seconds"`
}

// Config is the root of config.toml.
type Config struct {
	Address AddressConfig `toml:"address"`
	Stream  StreamConfig  `toml:"stream"`
	TLS     TLSConfig     `toml:"tls"`
	Pairing PairingConfig `toml:"pairing"`
	// StatePath is the path to the persisted client registry.
	StatePath string `toml:"state_path"`
}

// Default returns the configuration used when no config.toml exists yet,
// mirroring the ports and paths named in the external interfaces.
func Default() *Config {
	return &Config{
		Address: AddressConfig{
			RESTPlainPort: 47989,
			RESTTLSPort:   47984,
			RTSPPort:      48010,
			VideoPort:     47998,
			ControlPort:   47999,
			AudioPort:     48000,
		},
		Stream: StreamConfig{
			PacketSize:     1024,
			FECPercentage:  20,
			PacketDuration: 5,
		},
		TLS: TLSConfig{
			CertPath: "cert.pem",
			KeyPath:  "key.pem",
		},
		Pairing: PairingConfig{
			PINTimeoutSeconds: 30,
		},
		StatePath: "state.toml",
	}
}

// Load reads and parses the TOML config file at path. If the file does not
// exist, Default is returned unmodified so a first run can proceed without
// an operator having to hand-author a config.toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	ports := map[string]int{
		"address.rest_plain_port": c.Address.RESTPlainPort,
		"address.rest_tls_port":   c.Address.RESTTLSPort,
		"address.rtsp_port":       c.Address.RTSPPort,
		"address.video_port":      c.Address.VideoPort,
		"address.control_port":    c.Address.ControlPort,
		"address.audio_port":      c.Address.AudioPort,
	}
	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, port)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%s and %s both use port %d", name, other, port)
		}
		seen[port] = name
	}

	if c.Stream.PacketSize <= 0 {
		return fmt.Errorf("stream.packet_size must be positive, got %d", c.Stream.PacketSize)
	}
	if c.Stream.FECPercentage < 0 {
		return fmt.Errorf("stream.fec_percentage must be non-negative, got %d", c.Stream.FECPercentage)
	}
	if c.Pairing.PINTimeoutSeconds <= 0 {
		return fmt.Errorf("pairing.pin_timeout_seconds must be positive, got %d", c.Pairing.PINTimeoutSeconds)
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path must not be empty")
	}
	return nil
}
