package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"guild-archiver/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig loads configuration from several sources into the global viper instance:
// 1. .env file (environment variables)
// 2. config.yaml in . or ./config (base configuration)
// 3. config/archiver.json (merged over the base)
// Environment variables override values from files.
func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, skipping.", "module", "config")
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Info("No base config file (config.yaml) found, using environment variables and defaults.", "module", "config")
		} else {
			panic(fmt.Errorf("fatal error reading base config file: %w", err))
		}
	}

	viper.SetConfigName("archiver")
	viper.SetConfigType("json")
	viper.AddConfigPath("./config")

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Info("No archiver config file (config/archiver.json) found, skipping merge.", "module", "config")
		} else {
			panic(fmt.Errorf("fatal error merging archiver config file: %w", err))
		}
	}
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	// Keys without a default are invisible to Unmarshal, even when set in the environment.
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.guild_id", "")
	v.SetDefault("bot.admin_channel_id", "")
	v.SetDefault("bot.log_level", "warn")

	v.SetDefault("archive.db_path", "data/$guild_id.db")
	v.SetDefault("archive.exclude_channels", []string{})

	v.SetDefault("crawler.page_size", 100)
	v.SetDefault("crawler.batch_size", 500)
	v.SetDefault("crawler.concurrency", 10)
	v.SetDefault("crawler.memory_check_every", 10)
	v.SetDefault("crawler.status_interval", 5*time.Second)
	v.SetDefault("crawler.requests_per_second", 0.0)

	v.SetDefault("wal.dwell_time", 5*time.Minute)
	v.SetDefault("wal.sweep_interval", time.Minute)
	v.SetDefault("wal.sweep_limit", 500)

	v.SetDefault("memory.limit_mb", 1024)
	v.SetDefault("memory.scale_factor", 0.85)
	v.SetDefault("memory.check_interval", 30*time.Second)
	v.SetDefault("memory.pause", 10*time.Second)

	v.SetDefault("reconstruct.candidate_limit", 10000)
	v.SetDefault("reconstruct.batch_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.listen", "")
	v.SetDefault("grpc.listen", "")
}

// Load applies defaults to the global viper instance and decodes it.
func Load() (models.Config, error) {
	return Decode(viper.GetViper())
}

// Decode applies defaults to v and decodes it into a validated Config.
func Decode(v *viper.Viper) (models.Config, error) {
	SetDefaults(v)

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return models.Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the archiver cannot run with.
func Validate(cfg models.Config) error {
	switch {
	case cfg.Crawler.PageSize < 1 || cfg.Crawler.PageSize > 100:
		return fmt.Errorf("crawler.page_size must be between 1 and 100, got %d", cfg.Crawler.PageSize)
	case cfg.Crawler.BatchSize < 1:
		return fmt.Errorf("crawler.batch_size must be positive, got %d", cfg.Crawler.BatchSize)
	case cfg.Crawler.Concurrency < 1:
		return fmt.Errorf("crawler.concurrency must be positive, got %d", cfg.Crawler.Concurrency)
	case cfg.Memory.ScaleFactor <= 0 || cfg.Memory.ScaleFactor > 1:
		return fmt.Errorf("memory.scale_factor must be in (0, 1], got %v", cfg.Memory.ScaleFactor)
	case cfg.Reconstruct.BatchSize < 1:
		return fmt.Errorf("reconstruct.batch_size must be positive, got %d", cfg.Reconstruct.BatchSize)
	case cfg.WAL.DwellTime < 0:
		return fmt.Errorf("wal.dwell_time must not be negative")
	}
	return nil
}

// DBPath resolves the per-guild store path.
func DBPath(cfg models.Config, guildID string) string {
	return strings.ReplaceAll(cfg.Archive.DBPath, "$guild_id", guildID)
}
