package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/modronbot/modron/pkg/utils"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidConfig         = errors.New("invalid config")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.3.0"

// Current version of the config files.
const (
	CurrentCommonVersion = 1
	CurrentGuildsVersion = 1
)

// State backends.
const (
	StateBackendFile   = "file"
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

// Config represents the entire application configuration.
type Config struct {
	Common CommonConfig
	Guilds GuildsConfig
}

// CommonConfig contains process-wide settings.
type CommonConfig struct {
	// Version of the common config.
	Version     int         `koanf:"version"`
	Debug       Debug       `koanf:"debug"`
	Discord     Discord     `koanf:"discord"`
	Retry       Retry       `koanf:"retry"`
	Scheduler   Scheduler   `koanf:"scheduler"`
	State       State       `koanf:"state"`
	Redis       Redis       `koanf:"redis"`
	GoogleDrive GoogleDrive `koanf:"google_drive"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Also write logs to the console.
	Console bool `koanf:"console"`
}

// Discord contains Discord bot configuration.
type Discord struct {
	// Discord bot token for authentication.
	Token string `koanf:"token"`
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
}

// Retry contains retry configuration for chat platform requests.
type Retry struct {
	// Maximum retry attempts.
	MaxRetries uint64 `koanf:"max_retries"`
	// Initial retry delay in milliseconds.
	Delay int `koanf:"delay"`
	// Maximum retry delay in milliseconds.
	MaxDelay int `koanf:"max_delay"`
}

// Scheduler contains settings for the background service loops.
type Scheduler struct {
	// Longest single sleep in milliseconds before the stop flag and clock are re-checked.
	MaxSleepSlice int `koanf:"max_sleep_slice"`
}

// State contains persisted state settings.
type State struct {
	// Backend to use: file, sqlite or redis.
	Backend string `koanf:"backend"`
	// Path of the state file or database (file and sqlite backends).
	Path string `koanf:"path"`
	// Key holding the state document (redis backend).
	Key string `koanf:"key"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
	// Redis database index for the state document.
	DB int `koanf:"db"`
}

// GoogleDrive contains cloud mirror configuration. Uploads are disabled when
// the credentials path is empty.
type GoogleDrive struct {
	// Path to a service account credentials file.
	CredentialsPath string `koanf:"credentials_path"`
	// Id of the folder that holds one backup folder per guild.
	BackupFolder string `koanf:"backup_folder"`
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Maximum concurrent Drive requests.
	MaxConcurrent int64 `koanf:"max_concurrent"`
}

// GuildsConfig lists the guilds the background services run for.
type GuildsConfig struct {
	// Version of the guilds config.
	Version int           `koanf:"version"`
	Guilds  []GuildConfig `koanf:"guilds"`
}

// GuildConfig contains per-guild settings.
type GuildConfig struct {
	// Guild ID.
	ID uint64 `koanf:"id"`
	// Display name, also used for backup folder names.
	Name     string         `koanf:"name"`
	Reminder ReminderConfig `koanf:"reminder"`
	Backup   BackupConfig   `koanf:"backup"`
}

// ReminderConfig configures the stall reminder.
type ReminderConfig struct {
	// Enable the reminder service.
	Enabled bool `koanf:"enabled"`
	// Name of the channel nudges are posted to.
	Channel string `koanf:"channel"`
	// Channel or category IDs whose activity counts.
	Watch []uint64 `koanf:"watch"`
	// Allowed silence in minutes before a nudge.
	AllowedStallTime int `koanf:"allowed_stall_time"`
}

// BackupConfig configures channel backups.
type BackupConfig struct {
	// Enable the backup service.
	Enabled bool `koanf:"enabled"`
	// Channel or category IDs to back up.
	Channels []uint64 `koanf:"channels"`
	// Minutes between backup passes.
	Frequency int `koanf:"frequency"`
	// Root directory for export files.
	Directory string `koanf:"directory"`
}

// GuildID returns the guild id as a snowflake.
func (g GuildConfig) GuildID() snowflake.ID {
	return snowflake.ID(g.ID)
}

// WatchIDs returns the watched channel and category ids.
func (r ReminderConfig) WatchIDs() []snowflake.ID {
	return toSnowflakes(r.Watch)
}

// StallTime returns the allowed silence as a duration.
func (r ReminderConfig) StallTime() time.Duration {
	return time.Duration(r.AllowedStallTime) * time.Minute
}

// ChannelIDs returns the backed up channel and category ids.
func (b BackupConfig) ChannelIDs() []snowflake.ID {
	return toSnowflakes(b.Channels)
}

// Cadence returns the time between backup passes.
func (b BackupConfig) Cadence() time.Duration {
	return time.Duration(b.Frequency) * time.Minute
}

// Options converts the retry settings for use with utils.WithRetry.
func (r Retry) Options() utils.RetryOptions {
	opts := utils.GetGatewayRetryOptions()
	if r.MaxRetries > 0 {
		opts.MaxRetries = r.MaxRetries
	}
	if r.Delay > 0 {
		opts.InitialInterval = time.Duration(r.Delay) * time.Millisecond
	}
	if r.MaxDelay > 0 {
		opts.MaxInterval = time.Duration(r.MaxDelay) * time.Millisecond
	}
	return opts
}

// Guild returns the config of the guild with the given id.
func (c *Config) Guild(id snowflake.ID) (GuildConfig, bool) {
	for _, g := range c.Guilds.Guilds {
		if g.GuildID() == id {
			return g, true
		}
	}
	return GuildConfig{}, false
}

// LoadConfig loads the configuration files. When configDir is empty the
// default search paths are used. Returns the config along with the used config directory.
func LoadConfig(configDir string) (*Config, string, error) {
	configPaths := []string{configDir}
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get home directory: %w", err)
		}

		configPaths = []string{
			".modron",
			homeDir + "/.modron/config",
			"/etc/modron/config",
			"/app/config",
			"config",
			".",
		}
	}

	var config Config

	commonPath, err := loadFile(configPaths, "common", &config.Common)
	if err != nil {
		return nil, "", err
	}

	if _, err := loadFile(configPaths, "guilds", &config.Guilds); err != nil {
		return nil, "", err
	}

	// Check versions for each config file
	if err := checkConfigVersion("common", config.Common.Version, CurrentCommonVersion); err != nil {
		return nil, "", err
	}

	if err := checkConfigVersion("guilds", config.Guilds.Version, CurrentGuildsVersion); err != nil {
		return nil, "", err
	}

	config.applyDefaults()

	return &config, commonPath, nil
}

// loadFile loads the first <path>/<name>.toml found into target.
func loadFile(configPaths []string, name string, target any) (string, error) {
	for _, path := range configPaths {
		k := koanf.New(".")
		configPath := fmt.Sprintf("%s/%s.toml", path, name)
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			continue
		}

		if err := k.Unmarshal("", target); err != nil {
			return "", fmt.Errorf("error unmarshaling %s: %w", configPath, err)
		}

		return path, nil
	}

	return "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, name)
}

// applyDefaults fills settings left empty in the config files.
func (c *Config) applyDefaults() {
	if c.Common.Debug.LogLevel == "" {
		c.Common.Debug.LogLevel = "info"
	}
	if c.Common.Debug.MaxLogsToKeep == 0 {
		c.Common.Debug.MaxLogsToKeep = 10
	}
	if c.Common.Debug.MaxLogLines == 0 {
		c.Common.Debug.MaxLogLines = 10000
	}
	if c.Common.Discord.RequestTimeout == 0 {
		c.Common.Discord.RequestTimeout = 10000
	}
	if c.Common.Scheduler.MaxSleepSlice == 0 {
		c.Common.Scheduler.MaxSleepSlice = 60000
	}
	if c.Common.State.Backend == "" {
		c.Common.State.Backend = StateBackendFile
	}
	if c.Common.State.Path == "" {
		switch c.Common.State.Backend {
		case StateBackendSQLite:
			c.Common.State.Path = "modron.db"
		default:
			c.Common.State.Path = "modron_state.yaml"
		}
	}
	if c.Common.State.Key == "" {
		c.Common.State.Key = "modron:state"
	}
	if c.Common.GoogleDrive.RequestTimeout == 0 {
		c.Common.GoogleDrive.RequestTimeout = 60000
	}
}

// Validate reports every problem in the guild configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Common.State.Backend {
	case StateBackendFile, StateBackendSQLite, StateBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown state backend %q", ErrInvalidConfig, c.Common.State.Backend))
	}

	seen := make(map[uint64]struct{}, len(c.Guilds.Guilds))
	for i, g := range c.Guilds.Guilds {
		if g.ID == 0 {
			errs = append(errs, fmt.Errorf("%w: guild #%d has no id", ErrInvalidConfig, i))
			continue
		}
		if _, ok := seen[g.ID]; ok {
			errs = append(errs, fmt.Errorf("%w: guild %d is listed twice", ErrInvalidConfig, g.ID))
		}
		seen[g.ID] = struct{}{}

		if g.Reminder.Enabled {
			if g.Reminder.Channel == "" {
				errs = append(errs, fmt.Errorf("%w: guild %d reminder has no channel", ErrInvalidConfig, g.ID))
			}
			if len(g.Reminder.Watch) == 0 {
				errs = append(errs, fmt.Errorf("%w: guild %d reminder watches nothing", ErrInvalidConfig, g.ID))
			}
			if g.Reminder.AllowedStallTime <= 0 {
				errs = append(errs, fmt.Errorf("%w: guild %d reminder needs a positive allowed_stall_time", ErrInvalidConfig, g.ID))
			}
		}

		if g.Backup.Enabled {
			if len(g.Backup.Channels) == 0 {
				errs = append(errs, fmt.Errorf("%w: guild %d backup has no channels", ErrInvalidConfig, g.ID))
			}
			if g.Backup.Frequency <= 0 {
				errs = append(errs, fmt.Errorf("%w: guild %d backup needs a positive frequency", ErrInvalidConfig, g.ID))
			}
			if g.Backup.Directory == "" {
				errs = append(errs, fmt.Errorf("%w: guild %d backup has no directory", ErrInvalidConfig, g.ID))
			}
		}
	}

	return errors.Join(errs...)
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s.toml", ErrConfigVersionMissing, name)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s.toml (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/modronbot/modron/tree/%s/config/%s.toml",
			ErrConfigVersionMismatch,
			name,
			current,
			expected,
			RepositoryVersion,
			name,
		)
	}

	return nil
}
