package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/rxclassify/cmd/classify"
	"github.com/tphakala/rxclassify/cmd/configcmd"
	"github.com/tphakala/rxclassify/cmd/model"
	"github.com/tphakala/rxclassify/cmd/serve"
	"github.com/tphakala/rxclassify/internal/buildinfo"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/telemetry"
)

// skipInit marks commands that run without loading the configuration.
const skipInit = "skip-init"

// RootCommand creates and returns the root command. Settings are loaded in
// PersistentPreRunE, so subcommands see them only once they run.
func RootCommand(info *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var configFile string
	var centralLogger *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:          "rxclassify",
		Short:        "Prescription image classifier",
		Long:         "rxclassify decides whether an image shows the target class using a TensorFlow Lite model.",
		Version:      info.String(),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	if err := setupFlags(rootCmd); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		classify.Command(settings),
		serve.Command(settings, info),
		model.Command(settings),
		configcmd.Command(settings, &configFile, skipInit),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, ok := cmd.Annotations[skipInit]; ok {
			return nil
		}
		cl, err := initialize(settings, configFile, info)
		centralLogger = cl
		return err
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		telemetry.Flush(2 * time.Second)
		if centralLogger != nil {
			_ = centralLogger.Flush()
		}
	}

	return rootCmd
}

// initialize loads settings, installs the central logger and sets up error
// telemetry.
func initialize(settings *conf.Settings, configFile string, info *buildinfo.Context) (*logger.CentralLogger, error) {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return nil, err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)

	if err := telemetry.InitSentry(settings, info); err != nil {
		// Telemetry is optional.
		cl.Module("main").Warn("error telemetry not started", logger.Error(err))
	}

	return cl, nil
}

// setupFlags defines flags that are global to the command line interface and
// binds them to their configuration keys.
func setupFlags(rootCmd *cobra.Command) error {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("model", "", "Path to the .tflite model file")
	flags.String("labels", "", "Path to the labels file")
	flags.String("target", "", "Target label reported as a match")
	flags.Int("threads", 0, "Interpreter threads, 0 = physical cores")
	flags.String("overlap", "", "Overlap policy: queue, cancel-previous")

	bindings := map[string]string{
		"debug":   "debug",
		"model":   "model.path",
		"labels":  "model.labelpath",
		"target":  "classifier.targetlabel",
		"threads": "model.threads",
		"overlap": "dispatcher.overlap",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
