package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bnema/gantry/pkg/pullpolicy"
)

type Config struct {
	Docker    DockerConfig    `mapstructure:"docker"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Pull      PullConfig      `mapstructure:"pull"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
	// HostOverride replaces the host derived from the daemon address when
	// building endpoints.
	HostOverride string `mapstructure:"host_override"`
}

type ReaperConfig struct {
	Disabled            bool          `mapstructure:"disabled"`
	Image               string        `mapstructure:"image"`
	Privileged          bool          `mapstructure:"privileged"`
	SocketPath          string        `mapstructure:"socket_path"`
	Address             string        `mapstructure:"address"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout"`
	ReconnectionTimeout time.Duration `mapstructure:"reconnection_timeout"`
}

type PullConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Policy  string        `mapstructure:"policy"`
}

type ReadinessConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProvisionConfig struct {
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Parallelism  int           `mapstructure:"parallelism"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level         string              `mapstructure:"level"`
	Format        string              `mapstructure:"format"`
	File          LogFileConfig       `mapstructure:"file"`
	ContainerLogs ContainerLogsConfig `mapstructure:"container_logs"`
}

type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type ContainerLogsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// Init points the global viper instance at the config file. An explicit
// cfgFile must exist; a missing file in the search paths is not an error.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gantry")
		viper.SetConfigType("yaml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(userConfigDir, "gantry"))
		}
		viper.AddConfigPath("/etc/gantry")
	}

	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("docker.host", "")
	viper.SetDefault("docker.host_override", "")

	viper.SetDefault("reaper.disabled", false)
	viper.SetDefault("reaper.image", "testcontainers/ryuk:0.11.0")
	viper.SetDefault("reaper.privileged", false)
	viper.SetDefault("reaper.socket_path", "/var/run/docker.sock")
	viper.SetDefault("reaper.address", "")
	viper.SetDefault("reaper.connect_timeout", 30*time.Second)
	viper.SetDefault("reaper.connection_timeout", 60*time.Second)
	viper.SetDefault("reaper.reconnection_timeout", 10*time.Second)

	viper.SetDefault("pull.timeout", 5*time.Minute)
	viper.SetDefault("pull.policy", "default")
	viper.SetDefault("readiness.timeout", 60*time.Second)
	viper.SetDefault("provision.batch_timeout", time.Duration(0))
	viper.SetDefault("provision.parallelism", 0)
	viper.SetDefault("metrics.address", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.file.enabled", false)
	viper.SetDefault("logging.file.path", defaultLogPath())
	viper.SetDefault("logging.file.max_size", 100)
	viper.SetDefault("logging.file.max_backups", 3)
	viper.SetDefault("logging.file.max_age", 28)
	viper.SetDefault("logging.container_logs.enabled", false)
	viper.SetDefault("logging.container_logs.dir", filepath.Join(defaultStateDir(), "containers"))
}

func Load() (*Config, error) {
	setDefaults()

	// Unmarshal walks every known key, so environment overrides of nested
	// keys are honored.
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot check by type alone.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is invalid: %w", c.Logging.Level, err)
	}

	validFormats := []string{"console", "json"}
	isValid := false
	for _, valid := range validFormats {
		if c.Logging.Format == valid {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("logging.format must be one of: %s", strings.Join(validFormats, ", "))
	}

	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}
	if c.Logging.ContainerLogs.Enabled && c.Logging.ContainerLogs.Dir == "" {
		return fmt.Errorf("logging.container_logs.dir is required when container logs are enabled")
	}

	if c.Provision.Parallelism < 0 {
		return fmt.Errorf("provision.parallelism must not be negative")
	}
	for key, v := range map[string]time.Duration{
		"pull.timeout":                c.Pull.Timeout,
		"readiness.timeout":           c.Readiness.Timeout,
		"provision.batch_timeout":     c.Provision.BatchTimeout,
		"reaper.connect_timeout":      c.Reaper.ConnectTimeout,
		"reaper.connection_timeout":   c.Reaper.ConnectionTimeout,
		"reaper.reconnection_timeout": c.Reaper.ReconnectionTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if _, err := c.PullPolicy(); err != nil {
		return fmt.Errorf("pull.policy: %w", err)
	}
	return nil
}

// PullPolicy parses the configured default pull policy.
func (c *Config) PullPolicy() (pullpolicy.Policy, error) {
	return pullpolicy.Parse(c.Pull.Policy)
}

// defaultStateDir returns a platform-appropriate directory for gantry's files.
func defaultStateDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local/state/gantry")
	}
	return "./.gantry"
}

func defaultLogPath() string {
	return filepath.Join(defaultStateDir(), "gantry.log")
}
