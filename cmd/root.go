// Package cmd is the andbot command-line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/orchestrator"
)

// Version is set at build time via -ldflags "-X github.com/andylabs/andbot/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

// Exit codes surfaced to service managers.
const (
	exitConfig      = 1
	exitRuntime     = 2
	exitChannelAuth = 3
)

// errConfig tags fatal configuration problems so Execute maps them to the
// right exit code.
var errConfig = errors.New("configuration error")

var rootCmd = &cobra.Command{
	Use:   "andbot",
	Short: "andbot, the multi-channel agent broker",
	Long:  "andbot bridges chat channels (WhatsApp, Slack, mail) to sandboxed agent containers, with per-conversation queues and a task scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroker()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(setupLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(groupsCmd())
	rootCmd.AddCommand(tasksCmd())
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("andbot %s\n", Version)
		},
	}
}

// Execute runs the root command and maps failure kinds to exit codes.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, container.ErrRuntimeUnavailable):
		os.Exit(exitRuntime)
	case errors.Is(err, orchestrator.ErrNoChannels):
		os.Exit(exitChannelAuth)
	default:
		os.Exit(exitConfig)
	}
}
