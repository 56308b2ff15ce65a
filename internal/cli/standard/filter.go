// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newFilterCmd() *cobra.Command {
	var clearFilter bool
	cmd := &cobra.Command{
		Use:   "filter [expression]",
		Short: "Show or change the filter of a running session",
		Long: "Without arguments the session's current filter is printed. With an expression it replaces the filter; " +
			"the session's stream restarts with a reset followed by matching lines.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Root().PersistentFlags().GetString("session")
			if session == "" {
				return fmt.Errorf("--session is required")
			}
			api, err := clientFromCmd(cmd, "")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if clearFilter || len(args) == 1 {
				expr := ""
				if len(args) == 1 {
					expr = args[0]
				}
				if err := api.SetFilter(ctx, expr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Filter for %s set to %q\n", session, expr)
				return nil
			}

			expr, err := api.Filter(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), expr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearFilter, "clear", false, "remove the filter")
	return cmd
}
