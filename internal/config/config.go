// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration. It is loaded once
// at startup and passed to constructors as an immutable object.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Meter     MeterConfig     `mapstructure:"meter"`
	Recording RecordingConfig `mapstructure:"recording"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SerialConfig represents the serial link configuration. The meter's
// documented SCPI-over-serial profile is fixed per session; data bits,
// stop bits and parity are not renegotiable at runtime.
type SerialConfig struct {
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	Parity   string        `mapstructure:"parity"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PollerConfig represents the two polling cadences and the timeout
// escalation threshold
type PollerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	MaxTimeouts        int           `mapstructure:"max_timeouts"`
	FunctionReadbackNr int           `mapstructure:"function_readback_every"`
}

// MeterConfig represents instrument-side settings applied on connect
type MeterConfig struct {
	Rate                string  `mapstructure:"rate"`
	BeeperEnabled       bool    `mapstructure:"beeper_enabled"`
	ContThreshold       int     `mapstructure:"cont_threshold"`
	DiodeThreshold      float64 `mapstructure:"diode_threshold"`
	LockRemote          bool    `mapstructure:"lock_remote"`
	ConnectOnStartup    bool    `mapstructure:"connect_on_startup"`
	AssumeSwapUnknownFW bool    `mapstructure:"assume_swap_unknown_firmware"`
	ReportAmbiguousMode bool    `mapstructure:"report_ambiguous_mode"`
}

// RecordingConfig represents session recording configuration
type RecordingConfig struct {
	BufferDepth int           `mapstructure:"buffer_depth"`
	QueueSize   int           `mapstructure:"queue_size"`
	Format      string        `mapstructure:"format"`
	OutputDir   string        `mapstructure:"output_dir"`
	Interval    time.Duration `mapstructure:"interval"`
}

// DatabaseConfig represents the optional Postgres recording store
type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. A
// missing config file is not an error; defaults and environment
// overrides apply.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("METER_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", "8094")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.allowed_origins", []string{"*"})

	// Serial defaults matching the XDM SCPI profile
	viper.SetDefault("serial.port", "")
	viper.SetDefault("serial.baud_rate", 115200)
	viper.SetDefault("serial.data_bits", 8)
	viper.SetDefault("serial.stop_bits", 1)
	viper.SetDefault("serial.parity", "none")
	viper.SetDefault("serial.timeout", "500ms")

	// Poller defaults
	viper.SetDefault("poller.poll_interval", "20ms")
	viper.SetDefault("poller.refresh_interval", "20ms")
	viper.SetDefault("poller.max_timeouts", 5)
	viper.SetDefault("poller.function_readback_every", 10)

	// Meter defaults, matching the instrument's power-on settings
	viper.SetDefault("meter.rate", "S")
	viper.SetDefault("meter.beeper_enabled", true)
	viper.SetDefault("meter.cont_threshold", 50)
	viper.SetDefault("meter.diode_threshold", 2.0)
	viper.SetDefault("meter.lock_remote", true)
	viper.SetDefault("meter.connect_on_startup", false)
	viper.SetDefault("meter.assume_swap_unknown_firmware", true)
	viper.SetDefault("meter.report_ambiguous_mode", false)

	// Recording defaults
	viper.SetDefault("recording.buffer_depth", 2000)
	viper.SetDefault("recording.queue_size", 1024)
	viper.SetDefault("recording.format", "csv")
	viper.SetDefault("recording.output_dir", "./data")
	viper.SetDefault("recording.interval", "0s")

	// Database defaults
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "meter_bridge")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 2)
	viper.SetDefault("database.max_lifetime", "5m")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "meter-bridge")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Poller.PollInterval <= 0 {
		return fmt.Errorf("poller.poll_interval must be positive")
	}
	if config.Poller.RefreshInterval <= 0 {
		return fmt.Errorf("poller.refresh_interval must be positive")
	}
	if config.Poller.MaxTimeouts < 1 {
		return fmt.Errorf("poller.max_timeouts must be at least 1")
	}
	if config.Poller.FunctionReadbackNr < 1 {
		return fmt.Errorf("poller.function_readback_every must be at least 1")
	}

	switch config.Meter.Rate {
	case "S", "M", "F":
	default:
		return fmt.Errorf("meter.rate must be one of: S, M, F")
	}
	if config.Meter.ContThreshold < 0 || config.Meter.ContThreshold > 1000 {
		return fmt.Errorf("meter.cont_threshold must be within 0-1000 ohms")
	}
	if config.Meter.DiodeThreshold < 0 || config.Meter.DiodeThreshold > 3.0 {
		return fmt.Errorf("meter.diode_threshold must be within 0-3.0 volts")
	}

	if config.Recording.BufferDepth < 10 {
		return fmt.Errorf("recording.buffer_depth must be at least 10")
	}
	switch config.Recording.Format {
	case "csv", "json":
	default:
		return fmt.Errorf("recording.format must be one of: csv, json")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
