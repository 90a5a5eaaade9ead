// Package config loads ebusd's runtime configuration from environment
// variables, a YAML file, and coded defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level ebusd configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (EBUSD_*) (highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Command-line flags do not set configuration values; the --config flag
// only selects the file.
type Config struct {
	Serial    SerialConfig    `mapstructure:"serial" yaml:"serial"`
	Ports     PortsConfig     `mapstructure:"ports" yaml:"ports"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Broker      BrokerConfig      `mapstructure:"broker" yaml:"broker"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// SerialConfig configures the UART transport to the eBUS adapter hardware.
type SerialConfig struct {
	// Port is the device path (e.g. /dev/ttyUSB0) or host:port of a TCP
	// loopback transport used for bench testing.
	Port string `mapstructure:"port" validate:"required" yaml:"port"`

	// BaudRate is the serial line speed. eBUS runs at 2400 baud.
	BaudRate int `mapstructure:"baud_rate" validate:"required,gt=0" yaml:"baud_rate"`

	// MyAddress is this node's master address on the bus.
	MyAddress uint8 `mapstructure:"my_address" yaml:"my_address"`
}

// PortsConfig configures the three TCP client-multiplexer listeners.
type PortsConfig struct {
	ReadOnly int `mapstructure:"readonly" validate:"omitempty,min=1,max=65535" yaml:"readonly"`
	Regular  int `mapstructure:"regular" validate:"omitempty,min=1,max=65535" yaml:"regular"`
	Enhanced int `mapstructure:"enhanced" validate:"omitempty,min=1,max=65535" yaml:"enhanced"`
}

// SchedulerConfig configures scheduler timing knobs.
type SchedulerConfig struct {
	ActiveJobTimeout    time.Duration `mapstructure:"active_job_timeout" yaml:"active_job_timeout"`
	DistanceScans       time.Duration `mapstructure:"distance_scans" yaml:"distance_scans"`
	DistanceFullScans   time.Duration `mapstructure:"distance_fullscans" yaml:"distance_fullscans"`
	MaxStartupScans     int           `mapstructure:"max_startup_scans" yaml:"max_startup_scans"`
}

// PersistenceConfig configures the embedded command-store key/value backend.
type PersistenceConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`
}

// BrokerConfig configures the message-broker collaborator.
type BrokerConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	URL         string `mapstructure:"url" yaml:"url"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" validate:"omitempty" yaml:"listen_addr"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// GetDefaultConfig returns a Config populated with sane defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  2400,
			MyAddress: 0xFF,
		},
		Ports: PortsConfig{
			ReadOnly: 3334,
			Regular:  3333,
			Enhanced: 3335,
		},
		Scheduler: SchedulerConfig{
			ActiveJobTimeout:  time.Second,
			DistanceScans:     10 * time.Second,
			DistanceFullScans: 500 * time.Millisecond,
			MaxStartupScans:   25,
		},
		Persistence: PersistenceConfig{
			DataDir: "/var/lib/ebusd",
		},
		Broker: BrokerConfig{
			Enabled:     false,
			TopicPrefix: "ebusd",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (EBUSD_*)
//  2. Configuration file
//  3. Default values
//
// Environment variables override only keys that the configuration file
// sets. When no configuration file is found, the defaults are returned
// unchanged and the environment is not read.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := GetDefaultConfig()
	if !found {
		return cfg, nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("EBUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("/etc/ebusd")
		v.AddConfigPath(".")
		v.SetConfigName("ebusd")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

var validate = validator.New()

// Validate runs struct-tag validation over the loaded configuration.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
