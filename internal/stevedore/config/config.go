// Package config loads and validates the Stevedore configuration file.
//
// Configuration is a YAML document validated against an embedded JSON schema
// before it is decoded into the typed Config struct. Environment variables
// override individual file values, so secrets like the Matrix access token
// never need to live on disk.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/stevedore/common/environment"
)

//go:embed schema.json
var schemaJSON string

// schema is compiled once at package init; a broken embedded schema is a
// programming error, not a runtime condition.
var schema = jsonschema.MustCompileString("schema.json", schemaJSON)

// Duration wraps time.Duration with YAML decoding from strings like "10s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level Stevedore configuration.
type Config struct {
	Matrix  MatrixConfig  `yaml:"matrix"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

// MatrixConfig configures the chat transport and the access policy.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// AdminRooms are the rooms where commands are accepted.
	AdminRooms []string `yaml:"admin_rooms"`
	// AllowedSenders is the list of Matrix user IDs permitted to issue
	// commands. An empty list means every member of an admin room may.
	AllowedSenders []string `yaml:"allowed_senders"`
	// CommandPrefix is the token commands must start with.
	CommandPrefix string `yaml:"command_prefix"`
}

// EngineConfig tunes the container-engine gateway.
type EngineConfig struct {
	StopTimeout     Duration `yaml:"stop_timeout"`
	LogsTimeout     Duration `yaml:"logs_timeout"`
	LogsTailDefault int      `yaml:"logs_tail_default"`
	LogsTailMax     int      `yaml:"logs_tail_max"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// HealthConfig configures the optional HTTP health endpoint.
type HealthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, schema-validates, and decodes the configuration file at path,
// then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	// Decode to a generic document first so the schema can check shape and
	// reject unknown keys before the typed decode silently drops them.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnvironment builds a configuration entirely from environment variables,
// for deployments that do not want a config file at all.
func FromEnvironment() (*Config, error) {
	homeserver, err := environment.RequiredString("STEVEDORE_MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("STEVEDORE_MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Matrix: MatrixConfig{
			Homeserver: homeserver,
			UserID:     userID,
		},
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables override file values. The
// access token in particular is expected to arrive this way in production.
func (c *Config) applyEnvOverrides() {
	c.Matrix.Homeserver = environment.StringOr("STEVEDORE_MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("STEVEDORE_MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("STEVEDORE_MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.AdminRooms = environment.StringSliceOr("STEVEDORE_MATRIX_ADMIN_ROOMS", c.Matrix.AdminRooms)
	c.Matrix.AllowedSenders = environment.StringSliceOr("STEVEDORE_MATRIX_ALLOWED_SENDERS", c.Matrix.AllowedSenders)
	c.Matrix.CommandPrefix = environment.StringOr("STEVEDORE_COMMAND_PREFIX", c.Matrix.CommandPrefix)

	c.Engine.StopTimeout = Duration(environment.DurationOr("STEVEDORE_ENGINE_STOP_TIMEOUT", c.Engine.StopTimeout.Std()))
	c.Engine.LogsTimeout = Duration(environment.DurationOr("STEVEDORE_ENGINE_LOGS_TIMEOUT", c.Engine.LogsTimeout.Std()))
	c.Engine.LogsTailDefault = environment.IntOr("STEVEDORE_LOGS_TAIL_DEFAULT", c.Engine.LogsTailDefault)
	c.Engine.LogsTailMax = environment.IntOr("STEVEDORE_LOGS_TAIL_MAX", c.Engine.LogsTailMax)

	c.Storage.DatabasePath = environment.StringOr("STEVEDORE_DB_PATH", c.Storage.DatabasePath)

	c.Health.Enabled = environment.BoolOr("STEVEDORE_HEALTH_ENABLED", c.Health.Enabled)
	c.Health.ListenAddr = environment.StringOr("STEVEDORE_HEALTH_ADDR", c.Health.ListenAddr)

	c.Logging.Level = environment.StringOr("STEVEDORE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = environment.StringOr("STEVEDORE_LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Matrix.CommandPrefix == "" {
		c.Matrix.CommandPrefix = "/stevedore"
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = Duration(10 * time.Second)
	}
	if c.Engine.LogsTimeout == 0 {
		c.Engine.LogsTimeout = Duration(15 * time.Second)
	}
	if c.Engine.LogsTailDefault == 0 {
		c.Engine.LogsTailDefault = 50
	}
	if c.Engine.LogsTailMax == 0 {
		c.Engine.LogsTailMax = 500
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "stevedore.db"
	}
	if c.Health.ListenAddr == "" {
		c.Health.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// check enforces the constraints the schema cannot express, mainly values
// that may arrive via environment override and so bypass schema validation.
func (c *Config) check() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required (set STEVEDORE_MATRIX_ACCESS_TOKEN)")
	}
	if len(c.Matrix.AdminRooms) == 0 {
		return fmt.Errorf("matrix.admin_rooms must list at least one room")
	}
	if c.Engine.LogsTailDefault > c.Engine.LogsTailMax {
		return fmt.Errorf("engine.logs_tail_default (%d) exceeds engine.logs_tail_max (%d)",
			c.Engine.LogsTailDefault, c.Engine.LogsTailMax)
	}
	return nil
}

// SenderAllowed reports whether userID may issue commands.
func (c *Config) SenderAllowed(userID string) bool {
	if len(c.Matrix.AllowedSenders) == 0 {
		return true
	}
	for _, s := range c.Matrix.AllowedSenders {
		if s == userID {
			return true
		}
	}
	return false
}
