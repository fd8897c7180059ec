package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/zerr"
)

func (c *CLI) newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored credential",
	}

	cmd.AddCommand(c.newSessionStatusCmd())
	cmd.AddCommand(c.newSessionSignInCmd())
	cmd.AddCommand(c.newSessionSignOutCmd())

	return cmd
}

func (c *CLI) newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			state, err := c.app.SessionState(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case state.Suspended:
				_, _ = fmt.Fprintln(w, "suspended: sign in again to make changes")
			case !state.HasValidCredential:
				_, _ = fmt.Fprintln(w, "signed out")
			default:
				_, _ = fmt.Fprintf(w, "signed in as %s\n", state.Subject)
			}
			if !state.ExpiresAt.IsZero() {
				_, _ = fmt.Fprintf(w, "expires %s\n", state.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (c *CLI) newSessionSignInCmd() *cobra.Command {
	var cred domain.Credential
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Store a credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cred.AccessToken == "" {
				return zerr.Wrap(domain.ErrMissingArgument, "--token is required")
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			if ttl > 0 {
				cred.ExpiresAt = time.Now().Add(ttl).UTC()
			}
			return c.app.SignIn(cmd.Context(), cred)
		},
	}
	cmd.Flags().StringVar(&cred.AccessToken, "token", "", "Access token")
	cmd.Flags().StringVar(&cred.RefreshToken, "refresh-token", "", "Refresh token")
	cmd.Flags().StringVar(&cred.Subject, "subject", "", "Subject the token belongs to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 never expires)")
	return cmd
}

func (c *CLI) newSessionSignOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			return c.app.SignOut(cmd.Context())
		},
	}
}
