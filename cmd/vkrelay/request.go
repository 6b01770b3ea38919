package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/agent"
	"github.com/vibekanban/vkrelay/internal/crypto"
	"github.com/vibekanban/vkrelay/internal/protocol"
	"github.com/vibekanban/vkrelay/internal/relay"
)

type requestFlags struct {
	host     string
	location string
	method   string
	data     string
	headers  []string
	verbose  bool
}

func (f *requestFlags) bind(cmd *cobra.Command, withBody bool) {
	cmd.Flags().StringVar(&f.host, "host", "", "Relay to this paired host instead of resolving from --location")
	cmd.Flags().StringVar(&f.location, "location", "", "Workspace URL the active host is resolved from")
	if withBody {
		cmd.Flags().StringVarP(&f.method, "request", "X", http.MethodGet, "HTTP method")
		cmd.Flags().StringVarP(&f.data, "data", "d", "", "Request body; @file reads a file, @- reads stdin")
		cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Extra header as 'Name: value'")
		cmd.Flags().BoolVarP(&f.verbose, "include", "i", false, "Print status and headers")
	}
}

func (f *requestFlags) header() (http.Header, error) {
	h := http.Header{}
	for _, raw := range f.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", raw)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

func (f *requestFlags) body(stdin io.Reader) (any, error) {
	switch {
	case f.data == "":
		return nil, nil
	case f.data == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(f.data, "@"):
		return os.ReadFile(f.data[1:])
	default:
		return f.data, nil
	}
}

// route points the interceptor at --location when given.
func (f *requestFlags) route(a *agent.Agent) error {
	if f.location == "" {
		return nil
	}
	return a.Navigator().Navigate(f.location)
}

func (c *cli) requestCmd() *cobra.Command {
	f := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "request PATH",
		Short: "Send an API request, relayed when a host applies",
		Long: `Send an API request.

With --host the request is signed and relayed to that paired host. Otherwise
the host is resolved from --location (or the stored active host when the
location is a workspace route) and the request goes direct when none applies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			header, err := f.header()
			if err != nil {
				return err
			}
			body, err := f.body(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := f.route(a); err != nil {
				return err
			}

			opts := &relay.RequestOptions{
				Method: strings.ToUpper(f.method),
				Header: header,
				Body:   body,
			}

			start := time.Now()
			var resp *http.Response
			if f.host != "" {
				resp, err = a.Relay().RequestHostAPI(cmd.Context(), f.host, args[0], opts)
			} else {
				resp, err = a.Interceptor().Request(cmd.Context(), args[0], opts)
			}
			if err != nil {
				return pairingHint(err)
			}
			defer resp.Body.Close()

			payload, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if f.verbose {
				printResponseHead(cmd.ErrOrStderr(), resp, int64(len(payload)), time.Since(start))
			}
			cmd.OutOrStdout().Write(payload)
			if len(payload) > 0 && payload[len(payload)-1] != '\n' {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("request failed: %s", resp.Status)
			}
			return nil
		},
	}

	f.bind(cmd, true)
	return cmd
}

func (c *cli) wsCmd() *cobra.Command {
	f := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "ws PATH",
		Short: "Open a WebSocket and print incoming messages",
		Long: `Open a WebSocket to PATH and print incoming text messages, one per line.
Lines read from stdin are sent as text messages.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := f.route(a); err != nil {
				return err
			}

			ctx := cmd.Context()
			var conn *websocket.Conn
			if f.host != "" {
				conn, err = a.Relay().OpenHostWebSocket(ctx, f.host, args[0])
			} else {
				conn, err = a.Interceptor().OpenWebSocket(ctx, args[0])
			}
			if err != nil {
				return pairingHint(err)
			}
			defer conn.CloseNow()
			conn.SetReadLimit(a.Config().Stream.ReadLimit)

			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if err := conn.Write(ctx, websocket.MessageText, scanner.Bytes()); err != nil {
						return
					}
				}
			}()

			for {
				typ, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
						conn.Close(websocket.StatusNormalClosure, "")
						return nil
					}
					return err
				}
				if typ == websocket.MessageBinary {
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("<binary %d bytes>", len(data))))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			}
		},
	}

	f.bind(cmd, false)
	return cmd
}

func (c *cli) signCmd() *cobra.Command {
	f := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "sign PATH",
		Short: "Print the relay signature headers for a request without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.host == "" {
				return errors.New("--host is required")
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			host, err := a.Hosts().Get(cmd.Context(), f.host)
			if err != nil {
				return pairingHint(err)
			}
			body, err := f.body(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw, _, err := relay.NormalizeBody(body)
			if err != nil {
				return err
			}

			path := crypto.NormalizePath(args[0])
			method := strings.ToUpper(f.method)
			sig, err := crypto.NewSigner(nil).Sign(host.Credentials(), method, path, raw)
			if err != nil {
				return pairingHint(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, dimStyle.Render(crypto.CanonicalMessage(sig.Timestamp, method, path,
				host.SigningSessionID, sig.Nonce, crypto.HashBody(raw))))
			for _, field := range sig.Fields() {
				fmt.Fprintf(out, "%s: %s\n", field[0], field[1])
			}
			fmt.Fprintf(out, "%s: 1\n", protocol.HeaderRelayed)
			return nil
		},
	}

	f.bind(cmd, true)
	return cmd
}

func pairingHint(err error) error {
	if agent.IsPairingError(err) {
		return fmt.Errorf("%w (import fresh credentials with `vkrelay hosts import`)", err)
	}
	return err
}
