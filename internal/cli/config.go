package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/protocore/internal/config"
)

// ConfigView is the printable form of a configuration.
type ConfigView struct {
	Source              string `json:"source"`
	Database            string `json:"database"`
	AttachmentsDir      string `json:"attachments_dir"`
	SASDigits           int    `json:"sas_digits"`
	StandardDelay       string `json:"retry_standard_delay"`
	MaximumDelay        string `json:"retry_maximum_delay"`
	MaxStepsPerDrain    int    `json:"max_steps_per_drain"`
	NotificationWorkers int    `json:"notification_workers"`
	LogLevel            string `json:"log_level"`
}

func newConfigView(source string, c config.Config) ConfigView {
	return ConfigView{
		Source:              source,
		Database:            c.Database,
		AttachmentsDir:      c.AttachmentsDir,
		SASDigits:           c.SASDigits,
		StandardDelay:       c.Retry.StandardDelay.String(),
		MaximumDelay:        c.Retry.MaximumDelay.String(),
		MaxStepsPerDrain:    c.Engine.MaxStepsPerDrain,
		NotificationWorkers: c.NotificationWorkers,
		LogLevel:            c.LogLevel.String(),
	}
}

// RenderText prints one setting per line.
func (v ConfigView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "# %s\n", v.Source)
	fmt.Fprintf(w, "database             = %s\n", v.Database)
	fmt.Fprintf(w, "attachments_dir      = %s\n", v.AttachmentsDir)
	fmt.Fprintf(w, "sas_digits           = %d\n", v.SASDigits)
	fmt.Fprintf(w, "retry.standard_delay = %s\n", v.StandardDelay)
	fmt.Fprintf(w, "retry.maximum_delay  = %s\n", v.MaximumDelay)
	fmt.Fprintf(w, "engine.max_steps     = %d\n", v.MaxStepsPerDrain)
	fmt.Fprintf(w, "notification_workers = %d\n", v.NotificationWorkers)
	fmt.Fprintf(w, "log_level            = %s\n", v.LogLevel)
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a .cue or .toml configuration file",
		Long: `Validate a configuration file against the configuration schema and
print the resulting settings, defaults included.

Examples:
  protocore config validate protocore.cue
  protocore config validate protocore.toml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				out := opts.formatter(cmd)
				if ferr := out.Error("INVALID_CONFIG", err.Error(), nil); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitFailure, "invalid configuration", err)
			}
			return opts.formatter(cmd).Success(newConfigView(args[0], cfg))
		},
	}
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := opts.ConfigPath
			if source == "" {
				source = "defaults"
			}
			return opts.formatter(cmd).Success(newConfigView(source, opts.Config))
		},
	}
}
