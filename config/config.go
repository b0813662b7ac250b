// Package config loads scuffedchat settings from defaults, a TOML file,
// a .env file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"scuffedchat/retry"
)

// EnvPrefix marks environment variables read by the loader. Nested keys use
// a double underscore: SCUFFEDCHAT_SUPABASE__ANON_KEY.
const EnvPrefix = "SCUFFEDCHAT_"

// Config represents the application configuration
type Config struct {
	Supabase struct {
		URL         string `koanf:"url"`
		AnonKey     string `koanf:"anon_key"`
		AccessToken string `koanf:"access_token"`
		JWTSecret   string `koanf:"jwt_secret"`
	} `koanf:"supabase"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	Server struct {
		Addr     string `koanf:"addr"`
		APIToken string `koanf:"api_token"`
	} `koanf:"server"`

	Notifications struct {
		MaxItems int `koanf:"max_items"`
	} `koanf:"notifications"`

	Chat struct {
		SendTimeout  time.Duration `koanf:"send_timeout"`
		ReadDebounce time.Duration `koanf:"read_debounce"`
		HistoryLimit int           `koanf:"history_limit"`
	} `koanf:"chat"`

	Realtime struct {
		HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
		PollInterval      time.Duration `koanf:"poll_interval"`
		ResyncPerMinute   int           `koanf:"resync_per_minute"`
		Reconnect         retry.Config  `koanf:"reconnect"`
	} `koanf:"realtime"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	reconnect := retry.ReconnectConfig()
	return map[string]interface{}{
		"database.url":                   "scuffedchat.db",
		"server.addr":                    "127.0.0.1:8080",
		"notifications.max_items":        50,
		"chat.send_timeout":              "15s",
		"chat.read_debounce":             "400ms",
		"chat.history_limit":             100,
		"realtime.heartbeat_interval":    "25s",
		"realtime.poll_interval":         "2s",
		"realtime.resync_per_minute":     6,
		"realtime.reconnect.max_retries": reconnect.MaxRetries,
		"realtime.reconnect.base_delay":  reconnect.BaseDelay.String(),
		"realtime.reconnect.max_delay":   reconnect.MaxDelay.String(),
		"realtime.reconnect.multiplier":  reconnect.Multiplier,
		"realtime.reconnect.jitter":      reconnect.Jitter,
		"log.level":                      "info",
		"log.pretty":                     false,
	}
}

// legacyEnv maps the plain variables of the original deployment onto keys
var legacyEnv = map[string]string{
	"SUPABASE_URL":        "supabase.url",
	"SUPABASE_ANON_KEY":   "supabase.anon_key",
	"SUPABASE_JWT_SECRET": "supabase.jwt_secret",
	"DATABASE_URL":        "database.url",
}

// LoadConfig loads the configuration. An empty configPath tries the default
// locations and is not an error when none exists.
func LoadConfig(configPath string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range []string{"./scuffedchat.toml", "$HOME/.scuffedchat.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", path, err)
				}
				break
			}
		}
	}

	legacy := map[string]interface{}{}
	for name, key := range legacyEnv {
		if v := os.Getenv(name); v != "" {
			legacy[key] = v
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		legacy["server.addr"] = ":" + v
	}
	if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &config, nil
}

// Validate validates the configuration
func Validate(config *Config) error {
	// without a project url the database is polled instead of Realtime
	if config.Supabase.URL != "" && config.Supabase.AnonKey == "" {
		return fmt.Errorf("supabase anon_key is required with a supabase url")
	}
	if config.Supabase.AccessToken == "" {
		return fmt.Errorf("supabase access_token is required")
	}
	if config.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if config.Server.APIToken == "" {
		return fmt.Errorf("server api_token is required")
	}
	if config.Notifications.MaxItems <= 0 {
		return fmt.Errorf("notifications max_items must be positive")
	}
	if config.Chat.SendTimeout <= 0 {
		return fmt.Errorf("chat send_timeout must be positive")
	}
	return nil
}

// InitConfig writes a sample configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# scuffedchat configuration

[supabase]
url = "https://your-project.supabase.co"
anon_key = "your-anon-key"
access_token = "user-access-token"
jwt_secret = "project-jwt-secret"

[database]
# postgres://... for Supabase, anything else is a SQLite file
url = "scuffedchat.db"

[server]
addr = "127.0.0.1:8080"
api_token = "change-me"

[notifications]
max_items = 50

[chat]
send_timeout = "15s"
read_debounce = "400ms"

[log]
level = "info"
pretty = true
`
	return os.WriteFile(configPath, []byte(sampleConfig), 0600)
}
