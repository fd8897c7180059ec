package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.trai.ch/tally/internal/app"
	"go.trai.ch/tally/internal/ui/output"
	"go.trai.ch/tally/internal/ui/style"
)

func (c *CLI) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <subject-type> <subject-id>",
		Short: "Show the engagement count and your flag on a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			state, err := c.app.Show(cmd.Context(), args[0], args[1], c.actor)
			if err != nil {
				return err
			}
			c.render(cmd.OutOrStdout(), args[0]+"/"+args[1], state, "")
			return nil
		},
	}
}

func (c *CLI) newToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <subject-type> <subject-id>",
		Short: "Like or unlike, follow or unfollow a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			state, err := c.app.Toggle(cmd.Context(), args[0], args[1], c.actor)
			if err != nil {
				return err
			}
			c.render(cmd.OutOrStdout(), args[0]+"/"+args[1], state, "")
			return nil
		},
	}
}

func (c *CLI) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <subject-type> <subject-id>",
		Short: "Follow a subject's engagement as it changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			name := args[0] + "/" + args[1]
			return c.app.Watch(cmd.Context(), args[0], args[1], c.actor, func(s app.Snapshot) {
				marker := style.Live
				if !s.Live {
					marker = style.Polling
				}
				c.render(cmd.OutOrStdout(), name, s.State, marker)
			})
		},
	}
}

// render prints one state line, e.g. "● tip/t1 ♥ 3 (yours)".
func (c *CLI) render(w io.Writer, name string, s app.State, marker string) {
	out := output.New(w, c.color)

	line := name + " " + output.Paint(out, style.Heart, string(style.Iris)) + " " + strconv.FormatInt(s.Count, 10)
	if s.Liked {
		line += " (yours)"
	}
	if s.IsPending {
		line += " " + output.Paint(out, style.Pending, string(style.Slate))
	}
	if marker != "" {
		color := style.Green
		if marker == style.Polling {
			color = style.Yellow
		}
		line = output.Paint(out, marker, string(color)) + " " + line
	}
	_, _ = fmt.Fprintln(w, line)
}
