package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vibekanban/vkrelay/internal/agent"
	"github.com/vibekanban/vkrelay/internal/stream"
)

// entryPrinter writes entries as JSON lines, printing only entries it has
// not printed before. A shrinking snapshot starts it over.
type entryPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed int
}

func (p *entryPrinter) print(entries []json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) < p.printed {
		p.printed = 0
	}
	for _, e := range entries[p.printed:] {
		fmt.Fprintln(p.w, string(e))
	}
	p.printed = len(entries)
}

func (c *cli) streamCmd() *cobra.Command {
	var (
		host     string
		snapshot bool
	)

	cmd := &cobra.Command{
		Use:   "stream PATH",
		Short: "Follow a JSON Patch stream",
		Long: `Follow a JSON Patch stream and print its entries as JSON lines.

Paths ending in /ws are read over WebSocket, all others as Server-Sent Events.
With --host the stream is read through the relay from that paired host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			printer := &entryPrinter{w: out}
			finished := make(chan int, 1)

			ctrl, err := agent.OpenStream(cmd.Context(), a, host, args[0], stream.Options[json.RawMessage]{
				OnFinished: func(entries []json.RawMessage) {
					finished <- len(entries)
				},
				OnError: func(err error) {
					fmt.Fprintln(errOut, warnStyle.Render("stream error:"), err)
				},
			})
			if err != nil {
				return pairingHint(err)
			}
			defer ctrl.Close()

			if !snapshot {
				unsubscribe := ctrl.OnChange(printer.print)
				defer unsubscribe()
			}

			select {
			case <-ctrl.Done():
			case <-cmd.Context().Done():
				ctrl.Close()
				<-ctrl.Done()
			}

			if snapshot {
				printer.print(ctrl.Entries())
			}
			select {
			case n := <-finished:
				fmt.Fprintln(errOut, dimStyle.Render(fmt.Sprintf("finished with %s entries", humanize.Comma(int64(n)))))
			default:
				fmt.Fprintln(errOut, dimStyle.Render(fmt.Sprintf("stopped (%s)", ctrl.State())))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Read the stream through the relay from this paired host")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "Print only the final entries when the stream ends")
	return cmd
}
