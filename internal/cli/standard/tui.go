// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package standard

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/streamlog/internal/cli/tui"
	"github.com/ccheshirecat/streamlog/internal/render"
	"github.com/ccheshirecat/streamlog/internal/shared/logging"
)

func newTUICmd() *cobra.Command {
	var (
		filter   string
		maxLines int
	)
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive log viewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd, filter)
			if err != nil {
				return err
			}
			settings, err := streamSettings(cmd, api)
			if err != nil {
				return err
			}
			// The alternate screen owns the terminal.
			logging.SetOutput(io.Discard)
			return tui.Run(cmd.Context(), tui.Options{
				Session:    api.Session(),
				Filters:    api,
				Dialer:     settings.dialer,
				RetryDelay: settings.retryDelay,
				MaxLines:   maxLines,
				Filter:     filter,
				Render:     render.Terminal,
				Logger:     logging.New("tui"),
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "initial filter (substring match)")
	cmd.Flags().IntVar(&maxLines, "max-lines", defaultMaxLines, "lines kept in memory; 0 keeps everything")
	return cmd
}
