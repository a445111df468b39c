// Package configcmd implements the config command for printing and creating
// configuration files.
package configcmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tphakala/rxclassify/internal/conf"
)

const redacted = "[REDACTED]"

// Command creates the config command. skipInitKey is the annotation that
// tells the root command not to load settings before running a subcommand.
func Command(settings *conf.Settings, configFile *string, skipInitKey string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
	}
	cmd.AddCommand(showCommand(settings), initCommand(configFile, skipInitKey))
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(cmd.OutOrStdout(), settings)
		},
	}
}

func show(w io.Writer, settings *conf.Settings) error {
	data, err := conf.MarshalYAML(redact(settings))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// redact returns a copy of settings with credentials replaced.
func redact(settings *conf.Settings) *conf.Settings {
	c := *settings
	if c.MQTT.Password != "" {
		c.MQTT.Password = redacted
	}
	if c.Sentry.DSN != "" {
		c.Sentry.DSN = redacted
	}
	return &c
}

func initCommand(configFile *string, skipInitKey string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Long:  "Write the default configuration to path, the --config file, or config.yaml in the user config directory.",
		Args:  cobra.MaximumNArgs(1),
		Annotations: map[string]string{
			skipInitKey: "true",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := targetPath(args, *configFile)
			if err := conf.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

// targetPath picks the init destination: an explicit argument, then the
// --config flag, then the first per-user default location.
func targetPath(args []string, configFile string) string {
	if len(args) == 1 {
		return args[0]
	}
	if configFile != "" {
		return configFile
	}
	paths := conf.GetDefaultConfigPaths()
	if len(paths) > 1 {
		return filepath.Join(paths[1], "config.yaml")
	}
	return filepath.Join(paths[0], "config.yaml")
}
