package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/osutil"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "scenario-composer"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "SCENARIO_COMPOSER"
)

// Destroy strategies for lifecycle runs
const (
	DestroyAlways = "always"
	DestroyNever  = "never"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
	EnvFile   string `mapstructure:"env_file"`
	CacheDir  string `mapstructure:"cache_dir"`

	// Scenario settings
	Scenario struct {
		BaseDir string `mapstructure:"base_dir"` // directory holding <name>/scenario.yml
		Name    string `mapstructure:"name"`
		Destroy string `mapstructure:"destroy"` // always, never
	} `mapstructure:"scenario"`

	// Docker settings
	Docker struct {
		Host string `mapstructure:"host"` // empty means DOCKER_HOST or the default socket
	} `mapstructure:"docker"`

	// Image build settings
	Image struct {
		Tag         string `mapstructure:"tag"`
		Compression string `mapstructure:"compression"` // none, gzip, bzip2, xz
	} `mapstructure:"image"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	mu           sync.Mutex
	flagBindings = map[string]*pflag.Flag{}
)

// BindFlag binds a command line flag to a config key. A flag the user set
// overrides the config file and environment.
func BindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	flagBindings[key] = flag
}

// Initialize loads the configuration into the global Instance. It may be
// called again, e.g. when a --config flag names a different file.
func Initialize(cfgFile string) error {
	cfg, used, err := Load(cfgFile)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	Instance = *cfg
	ConfigFile = used
	ConfigLoaded = used != ""
	return nil
}

// Load reads configuration from defaults, an optional file and the
// environment. It returns the config and the file actually used ("" when
// none was found).
func Load(cfgFile string) (*AppConfig, string, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	mu.Lock()
	for key, flag := range flagBindings {
		if err := v.BindPFlag(key, flag); err != nil {
			mu.Unlock()
			return nil, "", fmt.Errorf("binding flag %s: %w", flag.Name, err)
		}
	}
	mu.Unlock()

	used := ""
	if readErr := v.ReadInConfig(); readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			// Only fail if the config file was found but couldn't be read
			return nil, "", fmt.Errorf("error reading config file: %w", readErr)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, used, nil
}

// Validate checks enumerated settings
func (c *AppConfig) Validate() error {
	switch c.Scenario.Destroy {
	case DestroyAlways, DestroyNever:
	default:
		return fmt.Errorf("invalid scenario.destroy %q (expected %s or %s)", c.Scenario.Destroy, DestroyAlways, DestroyNever)
	}

	switch c.Image.Compression {
	case "none", "gzip", "bzip2", "xz":
	default:
		return fmt.Errorf("invalid image.compression %q", c.Image.Compression)
	}

	switch c.LogFormat {
	case "human", "json":
	default:
		return fmt.Errorf("invalid log_format %q (expected human or json)", c.LogFormat)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")
	v.SetDefault("env_file", ".env")

	cacheDir, err := fsutil.GetCacheDir(AppName)
	if err == nil {
		v.SetDefault("cache_dir", cacheDir)
	} else {
		v.SetDefault("cache_dir", "cache")
	}

	v.SetDefault("scenario.base_dir", "molecule")
	v.SetDefault("scenario.name", "default")
	v.SetDefault("scenario.destroy", DestroyAlways)

	v.SetDefault("docker.host", "")

	v.SetDefault("image.tag", "molecule_tests")
	v.SetDefault("image.compression", "none")
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	// Always check current directory first
	v.AddConfigPath(".")

	if osutil.IsDevEnvironment() {
		if configDir, err := fsutil.GetConfigDir(AppName); err == nil {
			v.AddConfigPath(configDir)
		}
		return
	}

	// In CI/Pipeline, only use current directory and explicit CI directories
	if osutil.IsRunningInPipeline() {
		v.AddConfigPath(filepath.Join("/etc", AppName))
		return
	}

	if configDir, err := fsutil.GetConfigDir(AppName); err == nil {
		v.AddConfigPath(configDir)
	}

	if systemConfigDir, err := fsutil.GetSystemConfigDir(AppName); err == nil {
		v.AddConfigPath(systemConfigDir)
	}
}
