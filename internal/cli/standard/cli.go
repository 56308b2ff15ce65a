// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/streamlog/internal/cli/client"
	"github.com/ccheshirecat/streamlog/internal/shared/logging"
	"github.com/ccheshirecat/streamlog/internal/tail"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the Cobra-based CLI entry point. Cancelling ctx stops a
// running tail.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamlog",
		Short:         "streamlog command-line interface",
		Long:          "streamlog follows a live log stream served by streamlogd and manages the session's filter.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries log lines; diagnostics go to stderr.
			logging.SetOutput(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("api", "a", envOrDefault("STREAMLOG_API_BASE", defaultAPIBase), "streamlogd base URL")
	flags.String("api-key", envOrDefault("STREAMLOG_API_KEY", ""), "API key sent with every request")
	flags.String("session", envOrDefault("STREAMLOG_SESSION", ""), "session key; generated when empty")
	flags.String("transport", client.TransportSSE, "stream transport (sse or ws)")
	flags.Duration("retry-delay", tail.DefaultRetryDelay, "wait between reconnect attempts")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newFilterCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newTUICmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the streamlog client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamlog %s\n", Version)
		},
	}
}
