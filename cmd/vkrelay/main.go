// Package main provides the vkrelay command line client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibekanban/vkrelay/internal/agent"
	"github.com/vibekanban/vkrelay/internal/config"
	"github.com/vibekanban/vkrelay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

type cli struct {
	configPath    string
	logLevel      string
	dumpMetrics   bool
	askPassphrase bool

	agent *agent.Agent
}

func main() {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "vkrelay",
		Short: "vkrelay - signed relay client for paired Vibe Kanban hosts",
		Long: `vkrelay talks to Vibe Kanban hosts paired with your account.

Requests to a paired host are signed with the host's Ed25519 pairing key and
sent through the relay; API tokens for the cloud service are refreshed
automatically. Log and activity feeds can be followed as JSON Patch streams.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.writeMetrics(os.Stderr)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "./vkrelay.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&c.dumpMetrics, "metrics", false, "Print collected metrics to stderr on exit")
	rootCmd.PersistentFlags().BoolVar(&c.askPassphrase, "ask-passphrase", false, "Prompt for the keystore passphrase")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(c.hostsCmd())
	rootCmd.AddCommand(c.requestCmd())
	rootCmd.AddCommand(c.wsCmd())
	rootCmd.AddCommand(c.streamCmd())
	rootCmd.AddCommand(c.tokenCmd())
	rootCmd.AddCommand(c.signCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

// load builds the agent once per invocation. A missing config file at the
// default path falls back to built-in defaults.
func (c *cli) load(cmd *cobra.Command) (*agent.Agent, error) {
	if c.agent != nil {
		return c.agent, nil
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.Default()
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.dumpMetrics {
		cfg.Metrics.Enabled = true
	}
	if c.askPassphrase {
		passphrase, err := readPassphrase(os.Stdin, os.Stderr)
		if err != nil {
			return nil, err
		}
		cfg.Keystore.Passphrase = passphrase
	}

	a, err := agent.New(cfg, agent.Options{})
	if err != nil {
		return nil, err
	}
	if err := a.SeedTokens(cmd.Context()); err != nil {
		return nil, fmt.Errorf("failed to seed tokens: %w", err)
	}
	c.agent = a
	return a, nil
}

func readPassphrase(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-passphrase needs an interactive terminal")
	}
	fmt.Fprint(out, "Keystore passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

func (c *cli) writeMetrics(w io.Writer) error {
	if !c.dumpMetrics || c.agent == nil || c.agent.Registry() == nil {
		return nil
	}
	families, err := c.agent.Registry().Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	return encodeMetrics(w, families)
}

func encodeMetrics(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
