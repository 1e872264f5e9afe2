package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Port          int    `env:"SOCKET_PORT,default=3001"`
	AllowedOrigin string `env:"NEXT_PUBLIC_APP_URL,default=http://localhost:3000"`
	Debug         bool   `env:"DEBUG,default=false"`

	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	OrdersTable             string `env:"ORDERS_TABLE,default=Orders"`
	ReservationsTable       string `env:"RESERVATIONS_TABLE,default=Reservations"`

	RedisConnectionString string `env:"REDIS_CONNECTION_STRING"`
	AnnouncementsChannel  string `env:"ANNOUNCEMENTS_CHANNEL,default=relay-announcements"`
	AnnounceToken         string `env:"ANNOUNCE_TOKEN"`

	ProgressionInterval time.Duration `env:"PROGRESSION_INTERVAL,default=60s"`
	ProgressionWindow   time.Duration `env:"PROGRESSION_WINDOW,default=24h"`
	SendBuffer          int           `env:"SEND_BUFFER,default=64"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.StorageConnectionString == "":
		return errors.New("missing STORAGE_CONNECTION_STRING")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid SOCKET_PORT %d", c.Port)
	case c.ProgressionInterval <= 0:
		return errors.New("invalid PROGRESSION_INTERVAL: must be greater than zero")
	case c.ProgressionWindow <= 0:
		return errors.New("invalid PROGRESSION_WINDOW: must be greater than zero")
	case c.SendBuffer <= 0:
		return errors.New("invalid SEND_BUFFER: must be greater than zero")
	}
	return nil
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RedisOptions parses either a redis:// URL or the "host:port,password=..,ssl=true"
// form used by hosted Redis connection strings.
func RedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
