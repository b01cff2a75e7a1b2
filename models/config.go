package models

import "time"

// Config is the decoded archiver configuration.
type Config struct {
	Bot         BotConfig         `mapstructure:"bot"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	WAL         WALConfig         `mapstructure:"wal"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Reconstruct ReconstructConfig `mapstructure:"reconstruct"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     ListenConfig      `mapstructure:"metrics"`
	GRPC        ListenConfig      `mapstructure:"grpc"`
	Commands    CommandsConfig    `mapstructure:"commands"`
}

// BotConfig holds the gateway connection settings.
type BotConfig struct {
	Token          string `mapstructure:"token"`
	GuildID        string `mapstructure:"guild_id"`
	AdminChannelID string `mapstructure:"admin_channel_id"`
	LogLevel       string `mapstructure:"log_level"` // minimum level mirrored to the admin channel
}

// ArchiveConfig locates the store and lists channels that are never archived.
type ArchiveConfig struct {
	DBPath          string   `mapstructure:"db_path"` // supports $guild_id placeholder
	ExcludeChannels []string `mapstructure:"exclude_channels"`
}

// CrawlerConfig tunes the backfill crawler.
type CrawlerConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	BatchSize         int           `mapstructure:"batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	MemoryCheckEvery  int           `mapstructure:"memory_check_every"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// WALConfig tunes the write-ahead buffer.
type WALConfig struct {
	DwellTime     time.Duration `mapstructure:"dwell_time"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepLimit    int           `mapstructure:"sweep_limit"`
}

// MemoryConfig tunes the memory governor.
type MemoryConfig struct {
	LimitMB       int           `mapstructure:"limit_mb"`
	ScaleFactor   float64       `mapstructure:"scale_factor"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Pause         time.Duration `mapstructure:"pause"`
}

// ReconstructConfig tunes membership reconstruction.
type ReconstructConfig struct {
	CandidateLimit int `mapstructure:"candidate_limit"`
	BatchSize      int `mapstructure:"batch_size"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// ListenConfig is an optional listen address; empty disables the server.
type ListenConfig struct {
	Listen string `mapstructure:"listen"`
}

// CommandsConfig represents the slash command permission configuration.
type CommandsConfig struct {
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig lists who may run privileged commands.
type AuthConfig struct {
	Developers []string `mapstructure:"developers"`
	AdminRoles []string `mapstructure:"admin_roles"`
}
