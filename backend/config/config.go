// Package config assembles runtime settings from an optional .env file,
// SHAREFEED_* environment variables and command line flags, in that
// order of precedence from lowest to highest.
package config

import (
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
)

const (
	envPrefix       = "SHAREFEED"
	defaultShareDir = "Share"
)

var (
	ErrConfig = errors.New("invalid configuration")
)

type Config struct {
	Port           int           `envconfig:"PORT" default:"3000" validate:"min=1,max=65535"`
	ShareDir       string        `envconfig:"SHARE_DIR" validate:"required"`
	StaticDir      string        `envconfig:"STATIC_DIR" default:"frontend/build"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"debug" validate:"oneof=trace debug info warn error"`
	FeedCapacity   int           `envconfig:"FEED_CAPACITY" default:"20" validate:"min=1"`
	MaxUploadSize  int64         `envconfig:"MAX_UPLOAD_SIZE" default:"52428800" validate:"min=1"`
	MaxFrameSize   int64         `envconfig:"MAX_FRAME_SIZE" default:"67108864" validate:"gtfield=MaxUploadSize"`
	BroadcastSlots int           `envconfig:"BROADCAST_SLOTS" default:"128" validate:"min=1"`
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"0s" validate:"gte=0"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*" validate:"min=1"`
}

// Load reads configuration. args are command line arguments without
// the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Join(ErrConfig, err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	flags := pflag.NewFlagSet("sharefeed", pflag.ContinueOnError)
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	flags.StringVarP(&cfg.ShareDir, "share-dir", "d", cfg.ShareDir, "shared files directory (default ~/"+defaultShareDir+")")
	flags.StringVarP(&cfg.StaticDir, "static-dir", "s", cfg.StaticDir, "front-end bundle directory, empty disables static serving")
	flags.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	flags.IntVar(&cfg.FeedCapacity, "feed-capacity", cfg.FeedCapacity, "maximum number of feed entries")
	flags.Int64Var(&cfg.MaxUploadSize, "max-upload-size", cfg.MaxUploadSize, "maximum upload size in bytes")
	flags.Int64Var(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "maximum websocket message size in bytes")
	flags.IntVar(&cfg.BroadcastSlots, "broadcast-slots", cfg.BroadcastSlots, "queued events per session before the oldest is dropped")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket keepalive interval, 0 disables")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "allowed CORS and websocket origins")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ShareDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Join(ErrConfig, err)
		}
		cfg.ShareDir = filepath.Join(home, defaultShareDir)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	return &cfg, nil
}

func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// AllowAllOrigins reports whether origin checks are disabled.
func (c *Config) AllowAllOrigins() bool {
	return lo.Contains(c.AllowedOrigins, "*")
}

// OriginChecker returns websocket upgrade origin policy: requests without
// Origin, same-host requests and listed origins are accepted.
func (c *Config) OriginChecker() func(r *http.Request) bool {
	if c.AllowAllOrigins() {
		return func(*http.Request) bool { return true }
	}
	allowed := lo.SliceToMap(c.AllowedOrigins, func(o string) (string, struct{}) {
		return o, struct{}{}
	})
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
