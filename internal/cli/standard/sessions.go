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

func newSessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"clients"},
		Short:   "List sessions known to the server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd, "")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			sessions, err := api.ListSessions(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-12s %-8s %-8s %-20s %s\n", "ID", "STATE", "PENDING", "DROPPED", "CONNECTED", "FILTER")
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-12s %-8d %-8d %-20s %q\n",
					s.ID, s.State, s.Pending, s.Dropped, s.ConnectedAt.Format(time.DateTime), s.Filter)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
