// Command ghost runs one Overlord agent instance: it discovers a server,
// registers as AGENT, and serves spawned PTY/shell/file/forward sessions
// until terminated.
//
// Grounded on
// _examples/strand-protocol-strand/nexctl/cmd/root.go's cobra
// PersistentPreRunE config-loading shape, scaled down from an
// operator-facing multi-subcommand CLI to a single long-running daemon
// command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/overlord-fabric/overlord/pkg/config"
	"github.com/overlord-fabric/overlord/pkg/ghost"
	"github.com/overlord-fabric/overlord/pkg/identity"
	"github.com/overlord-fabric/overlord/pkg/protocol"
)

var (
	cfgFile       string
	factoryServer string
	ipcAddr       string
	fixedMid      string
	randomMid     bool
	disableBeacon bool
)

var rootCmd = &cobra.Command{
	Use:   "ghost [server ...]",
	Short: "Overlord agent — registers with a server and serves spawned sessions",
	RunE:  runGhost,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.overlord/ghost.yaml)")
	rootCmd.Flags().StringVar(&factoryServer, "factory-server", "", "factory-provisioned server address")
	rootCmd.Flags().StringVar(&ipcAddr, "ipc-addr", "127.0.0.1:4456", "local IPC loopback address")
	rootCmd.Flags().StringVar(&fixedMid, "mid", "", "fixed machine id (overrides platform/MAC derivation)")
	rootCmd.Flags().BoolVar(&randomMid, "random-mid", false, "force a fresh random machine id every attempt")
	rootCmd.Flags().BoolVar(&disableBeacon, "no-beacon", false, "disable LAN-discovery beacon listening")
}

func runGhost(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultGhostPath()
	}
	fileCfg, err := config.LoadGhost(path)
	if err != nil {
		return fmt.Errorf("ghost: load config: %w", err)
	}

	servers := args
	if len(servers) == 0 {
		servers = fileCfg.Servers
	}
	factory := factoryServer
	if factory == "" {
		factory = fileCfg.FactoryServerAddr
	}

	cfg := ghost.Config{
		Identity: identity.Options{
			Fixed:       fixedMid,
			ForceRandom: randomMid,
		},
		Args:              servers,
		FactoryServerAddr: factory,
		BeaconPort:        fileCfg.BeaconPort,
		DisableBeacon:     disableBeacon || fileCfg.DisableBeacon,
		TLSForce:          fileCfg.TLS.Force,
		TLSVerify:         fileCfg.TLS.Verify,
		TLSCertFile:       fileCfg.TLS.Cert,
		PingInterval:      secondsToDuration(fileCfg.PingIntervalSeconds),
		PingTimeout:        secondsToDuration(fileCfg.PingTimeoutSeconds),
		RegisterTimeout:   secondsToDuration(fileCfg.RegisterTimeoutSeconds),
		RetryInterval:     secondsToDuration(fileCfg.RetryIntervalSeconds),
		Mode:              protocol.ModeAgent,
		IPCAddr:           ipcAddr,
	}

	agent := ghost.NewAgent(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("ghost: %w", err)
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
