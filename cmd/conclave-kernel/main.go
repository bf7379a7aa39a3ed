// Command conclave-kernel runs the orchestration kernel as a
// long-running process: it builds every collaborator from config,
// starts the health monitor's probe loop, and blocks until it receives
// an interrupt or termination signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/kernel"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "conclave-kernel",
	Short: "Run the orchestration kernel's background services",
	RunE: runKernel,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .conclave/config.yaml or ~/.config/conclave/config.yaml)")
}

func runKernel(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := kernel.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}
	k.Start(ctx)

	fmt.Printf("conclave-kernel started (state_dir=%s, backend=%s)\n", cfg.StateDir, cfg.Registry.Backend)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := k.Close(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error during shutdown: %s\n", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
