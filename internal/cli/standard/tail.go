// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package standard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccheshirecat/streamlog/internal/render"
	"github.com/ccheshirecat/streamlog/internal/shared/logging"
	"github.com/ccheshirecat/streamlog/internal/tail"
)

const defaultMaxLines = 10000

type streamOptions struct {
	dialer     tail.Dialer
	retryDelay time.Duration
}

func newTailCmd() *cobra.Command {
	var (
		filter     string
		color      string
		maxLines   int
		timestamps bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the log stream",
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
			renderFn, err := rendererFor(color, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", api.Session())
			buf := tail.NewBuffer(maxLines)
			printer := &linePrinter{
				out:        cmd.OutOrStdout(),
				diag:       cmd.ErrOrStderr(),
				buf:        buf,
				timestamps: timestamps,
			}
			follower, err := tail.New(tail.Options{
				Dialer:     settings.dialer,
				Buffer:     buf,
				Render:     renderFn,
				RetryDelay: settings.retryDelay,
				Logger:     logging.New("tail"),
				OnState:    printer.state,
				OnUpdate:   printer.update,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := follower.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "initial filter (substring match)")
	cmd.Flags().StringVar(&color, "color", "auto", "keep ANSI colours: auto, always or never")
	cmd.Flags().IntVar(&maxLines, "max-lines", defaultMaxLines, "lines kept in memory; 0 keeps everything")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "prefix each line with its timestamp")
	return cmd
}

func rendererFor(mode string, w io.Writer) (render.Func, error) {
	switch mode {
	case "always":
		return render.Terminal, nil
	case "never":
		return render.Plain, nil
	case "auto", "":
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return render.Terminal, nil
		}
		return render.Plain, nil
	default:
		return nil, fmt.Errorf("invalid --color %q (want auto, always or never)", mode)
	}
}

// linePrinter writes each entry as it lands in the buffer. Callbacks come
// from the tail loop one at a time.
type linePrinter struct {
	out        io.Writer
	diag       io.Writer
	buf        *tail.Buffer
	timestamps bool
}

func (p *linePrinter) update() {
	entry, ok := p.buf.Newest()
	if !ok {
		fmt.Fprintln(p.diag, "--- reset ---")
		return
	}
	if p.timestamps {
		fmt.Fprintf(p.out, "%s %s\n", entry.Raw.Timestamp.Format(time.RFC3339), entry.Rendered)
		return
	}
	fmt.Fprintln(p.out, entry.Rendered)
}

func (p *linePrinter) state(s tail.State, cause error) {
	switch s {
	case tail.StateConnected:
		fmt.Fprintln(p.diag, "connected")
	case tail.StateReconnecting:
		fmt.Fprintf(p.diag, "disconnected: %v; reconnecting\n", cause)
	}
}
