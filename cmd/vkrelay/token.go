package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vibekanban/vkrelay/internal/auth"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(c.tokenStatusCmd())
	cmd.AddCommand(c.tokenSetCmd())
	cmd.AddCommand(c.tokenRefreshCmd())
	cmd.AddCommand(c.tokenLogoutCmd())
	return cmd
}

func (c *cli) tokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored token state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			st, err := a.Tokens().Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !st.Authenticated {
				fmt.Fprintln(out, warnStyle.Render("Not logged in"))
				return nil
			}
			fmt.Fprintln(out, okStyle.Render("Logged in"))
			if st.ExpiresAt.IsZero() {
				fmt.Fprintln(out, "  Access token:  no expiry")
			} else {
				fmt.Fprintf(out, "  Access token:  expires %s (%s)\n",
					humanize.Time(st.ExpiresAt), st.ExpiresAt.Local().Format(time.RFC3339))
			}
			fmt.Fprintf(out, "  Refresh token: %s\n", yesNo(st.HasRefreshToken))
			if st.NeedsRefresh {
				fmt.Fprintln(out, dimStyle.Render("  The next request will refresh the access token."))
			}
			return nil
		},
	}
}

func (c *cli) tokenSetCmd() *cobra.Command {
	var access, refresh string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store an access and refresh token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if access == "" && refresh == "" {
				return errors.New("--access or --refresh is required")
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.Tokens().SetTokens(cmd.Context(), protocol.TokenPair{AccessToken: access, RefreshToken: refresh}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ Tokens stored"))
			return nil
		},
	}

	cmd.Flags().StringVar(&access, "access", "", "Access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh token")
	return cmd
}

func (c *cli) tokenRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			token, err := a.Tokens().TriggerRefresh(cmd.Context())
			if err != nil {
				if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrNotAuthenticated) {
					return fmt.Errorf("%w (store new tokens with `vkrelay token set`)", err)
				}
				return err
			}
			msg := "✓ Token refreshed"
			if exp, ok := auth.TokenExpiry(token); ok {
				msg += ", expires " + humanize.Time(exp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(msg))
			return nil
		},
	}
}

func (c *cli) tokenLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.Tokens().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ Logged out"))
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
