// Command conclave-bridge is the out-of-process entry point to the
// orchestration kernel's RPC surface: `conclave-bridge <verb> <json>`
// prints a single JSON response line and exits 0 on success, non-zero
// otherwise.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conclave/internal/bridge"
	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/kernel"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "conclave-bridge <verb> <json-object>",
	Short: "Dispatch one RPC verb against the orchestration kernel",
	Args: cobra.ExactArgs(2),
	SilenceUsage: true,
	SilenceErrors: true,
	RunE: runBridge,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .conclave/config.yaml or ~/.config/conclave/config.yaml)")
}

func runBridge(_ *cobra.Command, args []string) error {
	verb, rawParams := args[0], args[1]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		emit(bridgeErrorf("loading config: %s", err), bridge.ExitDispatchError)
		return nil
	}

	ctx := context.Background()
	k, err := kernel.New(ctx, cfg)
	if err != nil {
		emit(bridgeErrorf("starting kernel: %s", err), bridge.ExitDispatchError)
		return nil
	}
	defer k.Close(ctx)

	caller := bridge.CallerFromEnv(os.Getenv)
	out, exitCode := bridge.Invoke(ctx, k, caller, verb, []byte(rawParams))
	fmt.Println(string(out))
	os.Exit(exitCode)
	return nil
}

func bridgeErrorf(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(`{"success":false,"error":%q}`, fmt.Sprintf(format, args...)))
}

func emit(line []byte, exitCode int) {
	fmt.Println(string(line))
	os.Exit(exitCode)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(bridgeErrorf("%s", err))
		os.Exit(bridge.ExitParseError)
	}
}
