package ghost

import (
	"time"

	"github.com/overlord-fabric/overlord/pkg/discovery"
	"github.com/overlord-fabric/overlord/pkg/identity"
	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// Default timing constants (spec §5).
const (
	DefaultPingInterval   = 5 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultRegisterTimeout = 60 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	DefaultRetryInterval  = 2 * time.Second
	DefaultTimeoutCheck   = 1 * time.Second
	DefaultBeaconPort     = 4455
)

// Config drives one Agent's control loop (spec §4.5).
type Config struct {
	// Identity selects how the agent's machine id is computed each attempt.
	Identity identity.Options

	// Args are explicit candidate server addresses (CLI-supplied).
	Args []string
	// FactoryServerAddr, if non-empty, is added to the candidate list.
	FactoryServerAddr string
	// BeaconPort is the UDP port the LAN-discovery listener binds.
	BeaconPort int
	// DisableBeacon skips starting the LAN-discovery listener entirely.
	DisableBeacon bool

	// TLSForce, when non-nil, skips the TLS probe and uses the given value
	// instead (spec §4.4 "caller may override the result").
	TLSForce *bool
	// TLSVerify, TLSCertFile configure the TLS context once TLS is enabled.
	TLSVerify  bool
	TLSCertFile string

	PingInterval    time.Duration
	PingTimeout     time.Duration
	RegisterTimeout time.Duration
	ConnectTimeout  time.Duration
	RetryInterval   time.Duration

	// Mode and Sid are not read by Agent: the top-level agent always runs
	// as ModeAgent with a fresh sid minted at registration time, and spawned
	// child sessions (spec §4.6) take their mode and sid from the spawn
	// request.
	Mode protocol.Mode
	Sid  string

	// IPCAddr is the loopback address the local-IPC HTTP server binds to
	// (spec §6's local IPC surface). Empty disables it (used for spawned
	// child sessions, which have no IPC surface of their own).
	IPCAddr string
}

// withDefaults returns a copy of cfg with zero-valued timing fields filled
// in from the package defaults.
func (cfg Config) withDefaults() Config {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.RegisterTimeout == 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BeaconPort == 0 {
		cfg.BeaconPort = DefaultBeaconPort
	}
	return cfg
}

// discoveryOptions builds the candidate-list options for one connect
// attempt, folding in beacons collected since the last rebuild.
func (cfg Config) discoveryOptions(extraBeacons []string) discovery.Options {
	return discovery.Options{
		Args:              cfg.Args,
		FactoryServerAddr: cfg.FactoryServerAddr,
		ExtraBeacons:      extraBeacons,
	}
}
