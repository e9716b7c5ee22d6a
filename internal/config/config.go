package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "L2HUB"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = DriverSQLite
	defaultDatabasePath         = "l2hub.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultTimezone             = "Europe/Athens"
	defaultTickSeconds          = 60
	defaultLeaderboardRefreshAt = "06:00"
	defaultRoleExpiryAt         = "00:00"
	defaultTokenTTLMinutes      = 60
	defaultServerListChannel    = "📜︱server-list"
	defaultLeaderboardChannel   = "🥇︱leaderboards"
	defaultVoterRole            = "✅ Voter"
	defaultCommandPrefix        = "!"
	defaultKafkaTopic           = "l2hub.events"
)

const (
	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a postgres server reached through database.dsn.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the bot backend.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	Location             *time.Location
	TickInterval         time.Duration
	LeaderboardRefreshAt ClockTime
	RoleExpiryAt         ClockTime

	SigningSecret string
	TokenTTL      time.Duration

	DiscordToken       string
	GuildID            string
	ServerListChannel  string
	LeaderboardChannel string
	VoterRole          string
	CommandPrefix      string

	KafkaBrokers []string
	KafkaTopic   string
}

// ClockTime is a wall-clock hour and minute in the reference timezone.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses an HH:MM value.
func ParseClockTime(raw string) (ClockTime, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: expected HH:MM", raw)
	}
	return ClockTime{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// DiscordEnabled reports whether the chat gateway should be started.
func (c AppConfig) DiscordEnabled() bool {
	return strings.TrimSpace(c.DiscordToken) != ""
}

// KafkaEnabled reports whether core events should be exported to Kafka.
func (c AppConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("schedule.timezone", defaultTimezone)
	configViper.SetDefault("schedule.tick_seconds", defaultTickSeconds)
	configViper.SetDefault("schedule.leaderboard_refresh_at", defaultLeaderboardRefreshAt)
	configViper.SetDefault("schedule.role_expiry_at", defaultRoleExpiryAt)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("discord.token", "")
	configViper.SetDefault("discord.guild_id", "")
	configViper.SetDefault("discord.server_list_channel", defaultServerListChannel)
	configViper.SetDefault("discord.leaderboard_channel", defaultLeaderboardChannel)
	configViper.SetDefault("discord.voter_role", defaultVoterRole)
	configViper.SetDefault("discord.command_prefix", defaultCommandPrefix)
	configViper.SetDefault("kafka.brokers", "")
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	timezone := strings.TrimSpace(configViper.GetString("schedule.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.timezone %q: %w", timezone, err)
	}
	refreshAt, err := ParseClockTime(configViper.GetString("schedule.leaderboard_refresh_at"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.leaderboard_refresh_at: %w", err)
	}
	expiryAt, err := ParseClockTime(configViper.GetString("schedule.role_expiry_at"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.role_expiry_at: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		Location:             location,
		TickInterval:         time.Duration(configViper.GetInt("schedule.tick_seconds")) * time.Second,
		LeaderboardRefreshAt: refreshAt,
		RoleExpiryAt:         expiryAt,
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DiscordToken:         configViper.GetString("discord.token"),
		GuildID:              strings.TrimSpace(configViper.GetString("discord.guild_id")),
		ServerListChannel:    configViper.GetString("discord.server_list_channel"),
		LeaderboardChannel:   configViper.GetString("discord.leaderboard_channel"),
		VoterRole:            configViper.GetString("discord.voter_role"),
		CommandPrefix:        configViper.GetString("discord.command_prefix"),
		KafkaBrokers:         splitList(configViper.GetString("kafka.brokers")),
		KafkaTopic:           strings.TrimSpace(configViper.GetString("kafka.topic")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("schedule.tick_seconds must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.DiscordEnabled() {
		if c.GuildID == "" {
			return fmt.Errorf("discord.guild_id is required when discord.token is set")
		}
		if strings.TrimSpace(c.ServerListChannel) == "" {
			return fmt.Errorf("discord.server_list_channel is required")
		}
		if strings.TrimSpace(c.LeaderboardChannel) == "" {
			return fmt.Errorf("discord.leaderboard_channel is required")
		}
		if strings.TrimSpace(c.CommandPrefix) == "" {
			return fmt.Errorf("discord.command_prefix is required")
		}
	}
	return nil
}
