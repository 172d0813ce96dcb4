// avlinkd keeps connections to AV hardware alive and exposes them over MQTT,
// HTTP and WebSocket.
//
// Devices are declared in the config file. Each one gets a self-healing
// transport (TCP, UDP, multicast, SSH, serial or REST) that reconnects with
// backoff and queues commands while the device is unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var cfgFile string

// rootCmd is the base command for avlinkd.
var rootCmd = &cobra.Command{
	Use:           "avlinkd",
	Short:         "Resilient transport daemon for AV hardware",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $AVLINK_CONFIG or configs/config.yaml)")
	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
}

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
