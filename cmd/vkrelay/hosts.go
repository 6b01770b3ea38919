package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibekanban/vkrelay/internal/keystore"
	"github.com/vibekanban/vkrelay/internal/wizard"
)

func (c *cli) hostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage paired hosts",
	}
	cmd.AddCommand(c.hostsListCmd())
	cmd.AddCommand(c.hostsImportCmd())
	cmd.AddCommand(c.hostsRemoveCmd())
	cmd.AddCommand(c.hostsUseCmd())
	return cmd
}

func (c *cli) hostsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List paired hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			hosts, err := a.Hosts().List(cmd.Context())
			if err != nil {
				return err
			}
			active, err := a.Hosts().ActiveHost(cmd.Context())
			if err != nil {
				return err
			}
			printHosts(cmd.OutOrStdout(), hosts, active, time.Now())
			return nil
		},
	}
}

func (c *cli) hostsImportCmd() *cobra.Command {
	var (
		file string
		use  bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a paired host's signing credentials",
		Long: `Import a paired host's signing credentials.

Without --file an interactive form asks for the host id, signing session id
and private key JWK. With --file the credentials are read as JSON
({"host_id", "name", "signing_session_id", "private_key_jwk"}); use - for stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}

			var host keystore.PairedRelayHost
			if file != "" {
				host, err = readHostFile(file, cmd.InOrStdin())
			} else {
				host, err = wizard.New().ImportHost()
			}
			if err != nil {
				return err
			}

			if err := a.ImportHost(cmd.Context(), host); err != nil {
				return err
			}
			if use {
				if err := a.UseHost(cmd.Context(), host.HostID); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("✓ Imported"), host.DisplayName())
			if host.Outdated() {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("  This pairing has no signing session and must be re-paired before use."))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read credentials from a JSON file")
	cmd.Flags().BoolVar(&use, "use", false, "Make the imported host active")
	return cmd
}

func readHostFile(path string, stdin io.Reader) (keystore.PairedRelayHost, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return keystore.PairedRelayHost{}, fmt.Errorf("read host credentials: %w", err)
	}

	var host keystore.PairedRelayHost
	if err := json.Unmarshal(data, &host); err != nil {
		return keystore.PairedRelayHost{}, fmt.Errorf("parse host credentials: %w", err)
	}
	if host.PairedAt.IsZero() {
		host.PairedAt = time.Now().UTC()
	}
	if err := host.Validate(); err != nil {
		return keystore.PairedRelayHost{}, err
	}
	return host, nil
}

func (c *cli) hostsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove HOST_ID",
		Aliases: []string{"rm"},
		Short:   "Forget a paired host",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.RemoveHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("✓ Removed"), args[0])
			return nil
		},
	}
}

func (c *cli) hostsUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use HOST_ID",
		Short: "Set the active host for relayed requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.UseHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("✓ Active host"), args[0])
			return nil
		},
	}
}
