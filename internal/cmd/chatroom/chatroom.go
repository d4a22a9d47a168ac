// Package chatroom parses chatroom command flags and composes the server.
package chatroom

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	entrypoint "github.com/louisbranch/chatroom/internal/platform/cmd"
	server "github.com/louisbranch/chatroom/internal/services/chat/app"
	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
	badgerstore "github.com/louisbranch/chatroom/internal/services/chat/storage/badger"
	redisstore "github.com/louisbranch/chatroom/internal/services/chat/storage/redis"
	sqlitestore "github.com/louisbranch/chatroom/internal/services/chat/storage/sqlite"
)

// Store backends accepted by -store.
const (
	StoreNone   = "none"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

var validate = validator.New()

// Config holds chatroom command configuration.
type Config struct {
	HTTPAddr    string `env:"CHATROOM_HTTP_ADDR"    envDefault:":8080" validate:"required"`
	EnforceAuth bool   `env:"CHATROOM_ENFORCE_AUTH" envDefault:"false"`

	CognitoRegion       string `env:"CHATROOM_COGNITO_REGION"       envDefault:"us-west-2"`
	CognitoUserPoolID   string `env:"CHATROOM_COGNITO_USER_POOL_ID" validate:"required_if=EnforceAuth true"`
	CognitoClientID     string `env:"CHATROOM_COGNITO_CLIENT_ID"`
	CognitoClientSecret string `env:"CHATROOM_COGNITO_CLIENT_SECRET"`
	CognitoDomain       string `env:"CHATROOM_COGNITO_DOMAIN"`
	OAuthRedirectURL    string `env:"CHATROOM_OAUTH_REDIRECT_URL"   validate:"omitempty,url"`
	LogoutRedirectURL   string `env:"CHATROOM_LOGOUT_REDIRECT_URL"  validate:"omitempty,url"`

	Store        string        `env:"CHATROOM_STORE"         envDefault:"none"              validate:"oneof=none sqlite redis badger"`
	SQLitePath   string        `env:"CHATROOM_SQLITE_PATH"   envDefault:"data/chatroom.db"  validate:"required_if=Store sqlite"`
	RedisAddr    string        `env:"CHATROOM_REDIS_ADDR"    envDefault:"localhost:6379"    validate:"required_if=Store redis"`
	BadgerPath   string        `env:"CHATROOM_BADGER_PATH"   envDefault:"data/badger"       validate:"required_if=Store badger"`
	HistoryLimit int           `env:"CHATROOM_HISTORY_LIMIT" envDefault:"50"                validate:"min=1,max=1000"`
	MessageTTL   time.Duration `env:"CHATROOM_MESSAGE_TTL"   envDefault:"168h"              validate:"gt=0"`
	KeyCacheTTL  time.Duration `env:"CHATROOM_KEY_CACHE_TTL" envDefault:"1h"                validate:"gt=0"`

	AllowedOrigins []string `env:"CHATROOM_ALLOWED_ORIGINS" envSeparator:","`
}

// ParseConfig parses environment and flags into a validated Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.BoolVar(&cfg.EnforceAuth, "enforce-auth", cfg.EnforceAuth, "reject connections without a valid token")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "durable store backend: none, sqlite, redis or badger")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address or URL")
	fs.StringVar(&cfg.BadgerPath, "badger-path", cfg.BadgerPath, "badger data directory")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "messages sent to a joining client")
	fs.DurationVar(&cfg.MessageTTL, "message-ttl", cfg.MessageTTL, "message retention")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(origins []string) []string {
	var out []string
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// Run builds the chat server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		store, err := openStore(cfg)
		if err != nil {
			log.Printf("chat: open %s store, running memory-only: %v", cfg.Store, err)
			store = nil
		}
		if err := server.Run(ctx, serverConfig(cfg, store)); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config, store storage.Store) server.Config {
	policy := identity.Permissive
	if cfg.EnforceAuth {
		policy = identity.Enforced
	}
	return server.Config{
		HTTPAddr: cfg.HTTPAddr,
		Policy:   policy,
		Identity: identityConfig(cfg),
		Store:    store,

		HistoryLimit:   cfg.HistoryLimit,
		MessageTTL:     cfg.MessageTTL,
		AllowedOrigins: cfg.AllowedOrigins,
		OAuth: server.OAuthConfig{
			Domain:            cfg.CognitoDomain,
			ClientID:          cfg.CognitoClientID,
			ClientSecret:      cfg.CognitoClientSecret,
			RedirectURL:       cfg.OAuthRedirectURL,
			LogoutRedirectURL: cfg.LogoutRedirectURL,
		},
	}
}

func identityConfig(cfg Config) identity.Config {
	var issuer string
	if pool := strings.TrimSpace(cfg.CognitoUserPoolID); pool != "" {
		issuer = identity.CognitoIssuer(cfg.CognitoRegion, pool)
	}
	return identity.Config{
		Issuer:      issuer,
		Audience:    cfg.CognitoClientID,
		KeyCacheTTL: cfg.KeyCacheTTL,
	}
}

// openStore opens the configured backend. StoreNone yields a nil store.
func openStore(cfg Config) (storage.Store, error) {
	switch cfg.Store {
	case "", StoreNone:
		return nil, nil
	case StoreSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreRedis:
		store, err := redisstore.Open(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreBadger:
		store, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.New("unknown store backend " + cfg.Store)
	}
}
