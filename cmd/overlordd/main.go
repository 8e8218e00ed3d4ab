// Command overlordd runs the server side of the Overlord fabric: it accepts
// agent control connections and operator session connections on /connect
// and brokers registration, spawning, and session pairing between them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/overlord-fabric/overlord/pkg/config"
	"github.com/overlord-fabric/overlord/pkg/overlordd"
)

var cfgFile string
var listenAddr string

var rootCmd = &cobra.Command{
	Use:   "overlordd",
	Short: "Overlord server — brokers agent registration and session pairing",
	RunE:  runOverlordd,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.overlord/overlordd.yaml)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
}

func runOverlordd(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultOverlorddPath()
	}
	fileCfg, err := config.LoadOverlordd(path)
	if err != nil {
		return fmt.Errorf("overlordd: load config: %w", err)
	}

	addr := listenAddr
	if addr == "" {
		addr = fileCfg.ListenAddr
	}

	srv := &overlordd.Server{
		Broker: overlordd.NewBroker(),
		Addr:   addr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("overlordd: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
