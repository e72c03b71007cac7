// Package commands implements the zipstream command line.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// Build carries values fixed when the binary is built.
type Build struct {
	// Version is the release version.
	Version string

	// Sample is the built-in payload served at /sample.zip.
	Sample []byte
}

// CLI is the zipstream command line.
type CLI struct {
	build   Build
	rootCmd *cobra.Command
}

// New creates the command tree.
func New(b Build) *CLI {
	if b.Version == "" {
		b.Version = "dev"
	}
	rootCmd := &cobra.Command{
		Use:           "zipstream",
		Short:         "Stream zip archives of remote files",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       b.Version,
	}

	rootCmd.InitDefaultVersionFlag()
	if f := rootCmd.Flags().Lookup("version"); f != nil {
		f.Usage = "Print the application version"
	}

	c := &CLI{
		build:   b,
		rootCmd: rootCmd,
	}

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.rootCmd.SetOut(w)
	c.rootCmd.SetErr(w)
}
