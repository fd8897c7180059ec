// Package commands implements the CLI commands for tally.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.trai.ch/tally/internal/app"
	"go.trai.ch/tally/internal/build"
	"go.trai.ch/tally/internal/core/domain"
)

// CLI represents the command line interface for tally.
type CLI struct {
	app     Application
	rootCmd *cobra.Command
	color   bool

	configPath string
	actor      string
	opened     bool
}

// Application represents the application logic interface.
type Application interface {
	Open(ctx context.Context, opts app.OpenOptions) error
	Close() error
	Show(ctx context.Context, subjectType, subjectID, actorID string) (app.State, error)
	Toggle(ctx context.Context, subjectType, subjectID, actorID string) (app.State, error)
	Watch(ctx context.Context, subjectType, subjectID, actorID string, onChange func(app.Snapshot)) error
	SessionState(ctx context.Context) (domain.SessionState, error)
	SignIn(ctx context.Context, cred domain.Credential) error
	SignOut(ctx context.Context) error
	Serve(ctx context.Context, addr string) error
}

// New creates a new CLI instance with the given app.
func New(a Application) *CLI {
	rootCmd := &cobra.Command{
		Use:           "tally",
		Short:         "Optimistic engagement counters with realtime reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"{{.Name}} version {{.Version}} (commit: %s, date: %s)\n",
		build.Commit,
		build.Date,
	))
	rootCmd.InitDefaultVersionFlag()
	rootCmd.Flags().Lookup("version").Usage = "Print the application version"

	rootCmd.InitDefaultHelpFlag()
	rootCmd.Flags().Lookup("help").Usage = "Show help for command"

	c := &CLI{
		app:     a,
		rootCmd: rootCmd,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to tally.yaml (searched upward from the working directory by default)")
	rootCmd.PersistentFlags().StringVar(&c.actor, "actor", "", "Actor to act as (defaults to the configured actor)")

	rootCmd.AddCommand(c.newShowCmd())
	rootCmd.AddCommand(c.newToggleCmd())
	rootCmd.AddCommand(c.newWatchCmd())
	rootCmd.AddCommand(c.newSessionCmd())
	rootCmd.AddCommand(c.newRelayCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	err := c.rootCmd.Execute()
	if c.opened {
		c.opened = false
		if closeErr := c.app.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// SetColor enables colored output.
func (c *CLI) SetColor(color bool) {
	c.color = color
}

// open loads the configuration once per invocation.
func (c *CLI) open(cmd *cobra.Command) error {
	if c.opened {
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := c.app.Open(cmd.Context(), app.OpenOptions{Cwd: cwd, ConfigPath: c.configPath, Actor: c.actor}); err != nil {
		return err
	}
	c.opened = true
	return nil
}
