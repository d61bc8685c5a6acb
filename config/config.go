package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seann-Moser/meetbot/logging"
	"github.com/Seann-Moser/meetbot/oauth/oclient"
	"github.com/Seann-Moser/meetbot/utils"
)

type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongo"
	BackendMemory   Backend = "memory"
)

// Config captures environment driven configuration values for the bot.
type Config struct {
	Port int

	SlackSigningSecret string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	PublicBaseURL      string

	TokenKey []byte

	Backend       Backend
	SQLiteDSN     string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string

	ProviderTimeout      time.Duration
	RefreshSkew          time.Duration
	FlowStateTTL         time.Duration
	CommandRatePerMinute int
	LogLevel             slog.Level
}

// Load parses configuration values from the current process environment.
//
// Optional fields fall back to defaults. Every missing or malformed variable is
// collected so one error names all of them.
func Load() (Config, error) {
	cfg := Config{
		Port:                 3000,
		Backend:              BackendSQLite,
		SQLiteDSN:            "meetbot.db",
		MongoDatabase:        "meetbot",
		ProviderTimeout:      5 * time.Second,
		RefreshSkew:          5 * time.Minute,
		FlowStateTTL:         10 * time.Minute,
		CommandRatePerMinute: 10,
		LogLevel:             slog.LevelInfo,
	}

	missing := make([]string, 0, 4)
	invalid := make([]string, 0, 2)

	required := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v == "" {
			missing = append(missing, key)
		} else {
			*dst = v
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				invalid = append(invalid, key)
			} else {
				*dst = d
			}
		}
	}

	if portValue := strings.TrimSpace(os.Getenv("PORT")); portValue != "" {
		port, err := strconv.Atoi(portValue)
		if err != nil || port <= 0 || port > 65535 {
			invalid = append(invalid, "PORT")
		} else {
			cfg.Port = port
		}
	}

	required("SLACK_SIGNING_SECRET", &cfg.SlackSigningSecret)
	required("GOOGLE_CLIENT_ID", &cfg.GoogleClientID)
	required("GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret)
	required("GOOGLE_REDIRECT_URI", &cfg.GoogleRedirectURI)

	if cfg.GoogleRedirectURI != "" {
		origin := utils.Origin(cfg.GoogleRedirectURI)
		if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://") {
			invalid = append(invalid, "GOOGLE_REDIRECT_URI")
		} else {
			cfg.PublicBaseURL = origin
		}
	}
	if base := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")); base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			invalid = append(invalid, "PUBLIC_BASE_URL")
		} else {
			cfg.PublicBaseURL = strings.TrimRight(base, "/")
		}
	}

	var rawKey string
	required("TOKEN_ENCRYPTION_KEY", &rawKey)
	if rawKey != "" {
		key, err := oclient.ParseKey(rawKey)
		if err != nil {
			invalid = append(invalid, "TOKEN_ENCRYPTION_KEY")
		} else {
			cfg.TokenKey = key
		}
	}

	if backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))); backend != "" {
		switch Backend(backend) {
		case BackendSQLite, BackendPostgres, BackendMongo, BackendMemory:
			cfg.Backend = Backend(backend)
		default:
			invalid = append(invalid, "STORE_BACKEND")
		}
	}
	if dsn := strings.TrimSpace(os.Getenv("SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}
	if db := strings.TrimSpace(os.Getenv("MONGO_DATABASE")); db != "" {
		cfg.MongoDatabase = db
	}
	switch cfg.Backend {
	case BackendPostgres:
		required("POSTGRES_DSN", &cfg.PostgresDSN)
	case BackendMongo:
		required("MONGO_URI", &cfg.MongoURI)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	duration("PROVIDER_TIMEOUT", &cfg.ProviderTimeout)
	duration("REFRESH_SKEW", &cfg.RefreshSkew)
	duration("FLOW_STATE_TTL", &cfg.FlowStateTTL)

	if rateValue := strings.TrimSpace(os.Getenv("COMMAND_RATE_PER_MINUTE")); rateValue != "" {
		n, err := strconv.Atoi(rateValue)
		if err != nil || n < 0 {
			invalid = append(invalid, "COMMAND_RATE_PER_MINUTE")
		} else {
			cfg.CommandRatePerMinute = n
		}
	}

	if levelValue := strings.TrimSpace(os.Getenv("LOG_LEVEL")); levelValue != "" {
		level, err := logging.ParseLevel(levelValue)
		if err != nil {
			invalid = append(invalid, "LOG_LEVEL")
		} else {
			cfg.LogLevel = level
		}
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("environment variables have invalid values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
