// Package config loads YAML configuration shared by cmd/ghost and
// cmd/overlordd, grounded on
// _examples/strand-protocol-strand/nexctl/pkg/config/config.go's
// DefaultPath/Load shape.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GhostConfig holds cmd/ghost's on-disk configuration (spec §4.5/§5).
type GhostConfig struct {
	Servers           []string `yaml:"servers"`
	FactoryServerAddr string   `yaml:"factory_server_addr"`
	BeaconPort        int      `yaml:"beacon_port"`
	DisableBeacon     bool     `yaml:"disable_beacon"`

	TLS struct {
		Force  *bool  `yaml:"force"`
		Verify bool   `yaml:"verify"`
		Cert   string `yaml:"cert"`
	} `yaml:"tls"`

	PingIntervalSeconds    float64 `yaml:"ping_interval_seconds"`
	PingTimeoutSeconds     float64 `yaml:"ping_timeout_seconds"`
	RegisterTimeoutSeconds float64 `yaml:"register_timeout_seconds"`
	RetryIntervalSeconds   float64 `yaml:"retry_interval_seconds"`

	FixedMid    string `yaml:"fixed_mid"`
	RandomMid   bool   `yaml:"random_mid"`
	IPCAddr     string `yaml:"ipc_addr"`
}

// OverlorddConfig holds cmd/overlordd's on-disk configuration (spec §4.11).
type OverlorddConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultGhostPath returns ~/.overlord/ghost.yaml.
func DefaultGhostPath() string {
	return defaultPath("ghost.yaml")
}

// DefaultOverlorddPath returns ~/.overlord/overlordd.yaml.
func DefaultOverlorddPath() string {
	return defaultPath("overlordd.yaml")
}

func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".overlord", name)
	}
	return filepath.Join(home, ".overlord", name)
}

// LoadGhost reads path as YAML into a GhostConfig with sane defaults; a
// missing file is not an error.
func LoadGhost(path string) (*GhostConfig, error) {
	cfg := &GhostConfig{
		BeaconPort:             4455,
		PingIntervalSeconds:    5,
		PingTimeoutSeconds:     10,
		RegisterTimeoutSeconds: 60,
		RetryIntervalSeconds:   2,
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOverlordd reads path as YAML into an OverlorddConfig with sane
// defaults; a missing file is not an error.
func LoadOverlordd(path string) (*OverlorddConfig, error) {
	cfg := &OverlorddConfig{ListenAddr: ":9000"}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}
