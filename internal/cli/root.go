package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/protocore/internal/config"
)

// RootOptions holds global flags and the state they resolve to.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is the loaded configuration, or the defaults when no --config
	// is given. Set before any subcommand runs.
	Config config.Config
	// Logger writes to stderr at the configured level.
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the protocore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Default()}

	cmd := &cobra.Command{
		Use:   "protocore",
		Short: "protocore - protocol execution core tooling",
		Long:  "Inspect, simulate and repair the persisted state of the trust-establishment protocol engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.ConfigPath != "" {
				cfg, err := config.Load(opts.ConfigPath)
				if err != nil {
					return WrapExitError(ExitCommandError, "load config", err)
				}
				opts.Config = cfg
			}
			level := opts.Config.LogLevel
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "configuration file (.cue or .toml)")

	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewInstancesCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// Execute runs the root command and returns the process exit code. An
// interrupt cancels the command's context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := NewRootCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// formatter builds the output formatter of a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
