// Command conclave-broadcast parses a future time expression, sleeps
// until it arrives, then delivers a message to every live multiplexer
// session, reporting per-session success or failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conclave/internal/broadcast"
	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/transport"
)

const (
	exitSuccess = 0
	exitMissingArgument = 1
	exitInvalidTime = 2
	exitNoSessions = 3
	exitAllDeliveriesFailed = 5
)

var (
	dryRun bool
	message string
	verbose bool
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "conclave-broadcast <time-expression>",
	Short: "Deliver a message to every live session at a future time",
	Args: cobra.ExactArgs(1),
	SilenceUsage: true,
	SilenceErrors: true,
	RunE: runBroadcast,
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and report the schedule without sleeping or delivering")
	rootCmd.Flags().StringVarP(&message, "message", "m", "", "message to deliver (default: configured default_message)")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "print progress to stderr")
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
}

func runBroadcast(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		die(exitInvalidTime, fmt.Sprintf("loading config: %s", err))
	}
	if message == "" {
		message = cfg.Broadcast.DefaultMessage
	}

	result, err := broadcast.Parse(time.Now(), args[0])
	if err != nil {
		die(exitInvalidTime, err.Error())
	}

	summary := broadcast.Summary{
		DelayMS: result.Delay.Milliseconds(),
		TargetISO: result.Target.Format(time.RFC3339),
		OriginalInput: args[0],
		MatchedParser: result.Matched,
	}

	if dryRun {
		fmt.Println("DRY RUN MODE")
		printSummary(summary)
		fmt.Println("Dry run completed")
		return nil
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "sleeping %s until %s\n", result.Delay, summary.TargetISO)
	}

	ctx := context.Background()
	time.Sleep(result.Delay)

	tp := transport.New(cfg.Transport.TmuxPath)
	snd := sender.New(tp, sender.Config{
		BatchWindow: time.Duration(cfg.Sender.BatchWindowMS) * time.Millisecond,
		BatchMaxSize: cfg.Sender.BatchMaxSize,
		CriticalChunks: cfg.Sender.CriticalChunks,
		MaxRetries: cfg.Sender.MaxRetries,
	})

	reports, err := broadcast.Deliver(ctx, tp, snd, message)
	if err != nil {
		if errors.Is(err, broadcast.ErrNoSessions) {
			die(exitNoSessions, err.Error())
		}
		die(exitNoSessions, fmt.Sprintf("discovering sessions: %s", err))
	}
	summary.Sessions = reports
	printSummary(summary)

	if broadcast.AllFailed(reports) {
		os.Exit(exitAllDeliveriesFailed)
	}
	return nil
}

func printSummary(summary broadcast.Summary) {
	out, err := json.Marshal(summary)
	if err != nil {
		fmt.Println(`{"error":"failed to encode summary"}`)
		return
	}
	fmt.Println(string(out))
}

func die(code int, msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitMissingArgument)
	}
}
