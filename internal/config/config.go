// Package config provides Viper-based configuration loading for the level simulation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// SimulationConfig holds settings for the interactive session loop.
type SimulationConfig struct {
	// TickRate is the number of crowd ticks per second.
	TickRate int `mapstructure:"tick_rate"`
	// PhysicsRate is the fixed physics step rate in Hz.
	PhysicsRate int `mapstructure:"physics_rate"`
	// CloseDelay is the delay between door close attempts.
	CloseDelay time.Duration `mapstructure:"close_delay"`
	// RebuildBatchSize is how many agents are re-placed before yielding during a geometry rebuild.
	RebuildBatchSize int `mapstructure:"rebuild_batch_size"`
	// BusBuffer is the event buffer of each observer client.
	BusBuffer int `mapstructure:"bus_buffer"`
}

// TickInterval returns the duration of one crowd tick.
//
// Precondition: TickRate > 0.
func (s SimulationConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(s.TickRate)
}

// NavmeshConfig holds navmesh build parameters.
type NavmeshConfig struct {
	// CellSize is the XZ voxel size used to quantise floor geometry.
	CellSize float64 `mapstructure:"cell_size"`
	// CellHeight is the Y voxel size.
	CellHeight float64 `mapstructure:"cell_height"`
	// TileSize is the edge length of one navmesh tile in world units.
	TileSize float64 `mapstructure:"tile_size"`
	// SnapTolerance is the maximum distance a move target is snapped onto the mesh.
	SnapTolerance float64 `mapstructure:"snap_tolerance"`
	// DoorwayCost multiplies traversal cost through doorway polygons.
	DoorwayCost float64 `mapstructure:"doorway_cost"`
}

// CrowdConfig holds agent steering parameters.
type CrowdConfig struct {
	// AgentRadius is the default agent radius.
	AgentRadius float64 `mapstructure:"agent_radius"`
	// MaxSpeed is the nominal agent speed cap.
	MaxSpeed float64 `mapstructure:"max_speed"`
	// ArriveTolerance is the distance at which an agent counts as arrived.
	ArriveTolerance float64 `mapstructure:"arrive_tolerance"`
	// OrientSpeedThreshold is the minimum speed for re-orienting an agent.
	OrientSpeedThreshold float64 `mapstructure:"orient_speed_threshold"`
	// MaxSpeedBoost caps the near-goal speed compensation factor.
	MaxSpeedBoost float64 `mapstructure:"max_speed_boost"`
}

// PhysicsConfig holds sensor sizes.
type PhysicsConfig struct {
	// NearbyRadius is the radius of the door "nearby" sensor ring.
	NearbyRadius float64 `mapstructure:"nearby_radius"`
	// AgentHalfHeight is the fixed Y of every agent body.
	AgentHalfHeight float64 `mapstructure:"agent_half_height"`
}

// ObserverConfig holds websocket observer settings.
type ObserverConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (o ObserverConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// DatabaseConfig holds PostgreSQL connection settings for door access grants.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ScriptingConfig holds Lua door policy settings.
type ScriptingConfig struct {
	// ScriptDir holds *.lua policy scripts. Empty disables scripting.
	ScriptDir string `mapstructure:"script_dir"`
	// InstructionLimit bounds each hook call; 0 uses the package default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Navmesh    NavmeshConfig    `mapstructure:"navmesh"`
	Crowd      CrowdConfig      `mapstructure:"crowd"`
	Physics    PhysicsConfig    `mapstructure:"physics"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scripting  ScriptingConfig  `mapstructure:"scripting"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateLogging(c.Logging),
		validateSimulation(c.Simulation),
		validateNavmesh(c.Navmesh),
		validateCrowd(c.Crowd),
		validatePhysics(c.Physics),
		validateObserver(c.Observer),
		validateDatabase(c.Database),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateSimulation(s SimulationConfig) error {
	var errs []string
	if s.TickRate < 1 {
		errs = append(errs, fmt.Sprintf("simulation.tick_rate must be >= 1, got %d", s.TickRate))
	}
	if s.PhysicsRate < 1 {
		errs = append(errs, fmt.Sprintf("simulation.physics_rate must be >= 1, got %d", s.PhysicsRate))
	}
	if s.CloseDelay <= 0 {
		errs = append(errs, "simulation.close_delay must be positive")
	}
	if s.RebuildBatchSize < 1 {
		errs = append(errs, fmt.Sprintf("simulation.rebuild_batch_size must be >= 1, got %d", s.RebuildBatchSize))
	}
	if s.BusBuffer < 1 {
		errs = append(errs, fmt.Sprintf("simulation.bus_buffer must be >= 1, got %d", s.BusBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateNavmesh(n NavmeshConfig) error {
	var errs []string
	if n.CellSize <= 0 {
		errs = append(errs, "navmesh.cell_size must be positive")
	}
	if n.CellHeight <= 0 {
		errs = append(errs, "navmesh.cell_height must be positive")
	}
	if n.TileSize < n.CellSize*4 {
		errs = append(errs, "navmesh.tile_size must span at least 4 cells")
	}
	if n.SnapTolerance <= 0 {
		errs = append(errs, "navmesh.snap_tolerance must be positive")
	}
	if n.DoorwayCost < 1 {
		errs = append(errs, "navmesh.doorway_cost must be >= 1")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateCrowd(c CrowdConfig) error {
	var errs []string
	if c.AgentRadius <= 0 {
		errs = append(errs, "crowd.agent_radius must be positive")
	}
	if c.MaxSpeed <= 0 {
		errs = append(errs, "crowd.max_speed must be positive")
	}
	if c.ArriveTolerance <= 0 {
		errs = append(errs, "crowd.arrive_tolerance must be positive")
	}
	if c.OrientSpeedThreshold < 0 {
		errs = append(errs, "crowd.orient_speed_threshold must not be negative")
	}
	if c.MaxSpeedBoost < 1 {
		errs = append(errs, "crowd.max_speed_boost must be >= 1")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validatePhysics(p PhysicsConfig) error {
	if p.NearbyRadius <= 0 {
		return errors.New("physics.nearby_radius must be positive")
	}
	if p.AgentHalfHeight <= 0 {
		return errors.New("physics.agent_half_height must be positive")
	}
	return nil
}

func validateObserver(o ObserverConfig) error {
	if !o.Enabled {
		return nil
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("observer.port must be 1-65535, got %d", o.Port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LEVELSIM_ prefix
	v.SetEnvPrefix("LEVELSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic("config.Default: defaults do not validate: " + err.Error())
	}
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("simulation.tick_rate", 60)
	v.SetDefault("simulation.physics_rate", 30)
	v.SetDefault("simulation.close_delay", "300ms")
	v.SetDefault("simulation.rebuild_batch_size", 32)
	v.SetDefault("simulation.bus_buffer", 1024)

	v.SetDefault("navmesh.cell_size", 0.05)
	v.SetDefault("navmesh.cell_height", 0.01)
	v.SetDefault("navmesh.tile_size", 6.0)
	v.SetDefault("navmesh.snap_tolerance", 0.15)
	v.SetDefault("navmesh.doorway_cost", 2.0)

	v.SetDefault("crowd.agent_radius", 0.2)
	v.SetDefault("crowd.max_speed", 1.2)
	v.SetDefault("crowd.arrive_tolerance", 0.05)
	v.SetDefault("crowd.orient_speed_threshold", 0.1)
	v.SetDefault("crowd.max_speed_boost", 3.0)

	v.SetDefault("physics.nearby_radius", 0.9)
	v.SetDefault("physics.agent_half_height", 0.5)

	v.SetDefault("observer.enabled", false)
	v.SetDefault("observer.host", "127.0.0.1")
	v.SetDefault("observer.port", 8089)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "levelsim")
	v.SetDefault("database.password", "levelsim")
	v.SetDefault("database.name", "levelsim")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("scripting.script_dir", "")
	v.SetDefault("scripting.instruction_limit", 0)
}
