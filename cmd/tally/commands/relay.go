package commands

import (
	"github.com/spf13/cobra"
)

func (c *CLI) newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the store's change feed over websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("listen")
			return c.app.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringP("listen", "l", ":7400", "Address to serve the feed on")
	return cmd
}
