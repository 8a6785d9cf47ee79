package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/envutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

var cfgFile string

// localFlagKeys maps command-local flags onto config keys
var localFlagKeys = map[string]string{
	"scenario.name":     "scenario-name",
	"scenario.destroy":  "destroy",
	"image.tag":         "tag",
	"image.compression": "compression",
}

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Drive container test scenarios through their lifecycle",
	Long: `scenario-composer runs test scenarios made of lifecycle phases
(create, prepare, converge, verify, destroy) against containers or
externally managed hosts.

Each phase runs a task list against every platform of the scenario. The
scenario file supports ${VAR:-default} environment interpolation. A .env
file is loaded before the configuration, so it may also hold
SCENARIO_COMPOSER_* settings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for key, name := range localFlagKeys {
			if flag := cmd.Flags().Lookup(name); flag != nil {
				config.BindFlag(key, flag)
			}
		}

		// the env file may carry SCENARIO_COMPOSER_* settings
		envFile := envFilePath(cmd.Flags())
		if err := envutil.LoadEnvFile(envFile); err != nil {
			return err
		}

		if err := config.Initialize(cfgFile); err != nil {
			return fmt.Errorf("error initializing configuration: %w", err)
		}

		if err := logger.InitLogger(logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   logFilePath(config.Instance.LogFile),
		}); err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}

		if config.Instance.EnvFile != envFile {
			if err := envutil.LoadEnvFile(config.Instance.EnvFile); err != nil {
				return err
			}
		}

		logger.LogDebug("Configuration loaded", map[string]interface{}{
			"config_file": config.ConfigFile,
			"base_dir":    config.Instance.Scenario.BaseDir,
		})
		return nil
	},
}

// envFilePath resolves the env file ahead of the configuration: the flag
// when given, then SCENARIO_COMPOSER_ENV_FILE, then the flag default
func envFilePath(flags *pflag.FlagSet) string {
	flag := flags.Lookup("env-file")
	if flag != nil && flag.Changed {
		return flag.Value.String()
	}
	if path, ok := os.LookupEnv(config.EnvPrefix + "_ENV_FILE"); ok {
		return path
	}
	if flag != nil {
		return flag.DefValue
	}
	return ".env"
}

// logFilePath maps "auto" onto the platform log directory
func logFilePath(value string) string {
	if value != "auto" {
		return value
	}
	dir, err := fsutil.GetLogDir(config.AppName)
	if err != nil {
		return ""
	}
	return filepath.Join(dir, config.AppName+".log")
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	defer logger.Sync()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-format", "human", "Log format: json or human")
	flags.String("log-file", "", "Also write logs to this file (auto uses the platform log directory)")
	flags.String("env-file", ".env", "Environment file loaded before scenarios are read")
	flags.String("base-dir", "molecule", "Directory holding <scenario>/scenario.yml")

	config.BindFlag("debug", flags.Lookup("debug"))
	config.BindFlag("log_format", flags.Lookup("log-format"))
	config.BindFlag("log_file", flags.Lookup("log-file"))
	config.BindFlag("env_file", flags.Lookup("env-file"))
	config.BindFlag("scenario.base_dir", flags.Lookup("base-dir"))

	for _, action := range lifecycleActions {
		rootCmd.AddCommand(newLifecycleCmd(action))
	}
	rootCmd.AddCommand(checkCmd, listCmd, sequenceCmd, imageCmd, versionCmd)
}
