package config

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDir         = "configs"
	defaultConfigFile = "values_local.yaml"

	// FEED_ENDPOINT, FEED_TELEGRAM_TOKEN, ...
	envPrefix = "FEED"
)

// Config ...
type Config struct {
	Feed struct {
		Endpoint       string        `yaml:"endpoint"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		HistoryDays    int           `yaml:"history_days"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		BufferSize     int           `yaml:"buffer_size"`

		// подписаться на весь каталог при старте
		SubscribeAll   bool `yaml:"subscribe_all"`
		IncludeHistory bool `yaml:"include_history"`
	} `yaml:"feed"`

	Catalog struct {
		Pairs    map[string]string `yaml:"pairs"`    // символ -> пара фида
		Reversed []string          `yaml:"reversed"` // пары, котируемые наоборот (USDCHF)
	} `yaml:"catalog"`

	Telegram struct {
		Token       string `yaml:"token"`
		ChatID      int64  `yaml:"chat_id"`
		APIEndpoint string `yaml:"api_endpoint"`
	} `yaml:"telegram"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`

	Service struct {
		Name      string `yaml:"name"`
		AdminAddr string `yaml:"admin_addr"`
	} `yaml:"service"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaults() Config {
	var c Config
	c.Feed.ReconnectDelay = 5 * time.Second
	c.Feed.HistoryDays = 14
	c.Feed.WriteTimeout = 5 * time.Second
	c.Feed.PingInterval = 20 * time.Second
	c.Feed.BufferSize = 1024
	c.Feed.IncludeHistory = true
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	c.Service.Name = "price_feed"
	c.Service.AdminAddr = ":8080"
	c.Log.Level = "info"
	return c
}

// NewConfig reads configs/$CONFIG_FILE (values_local.yaml by default).
func NewConfig() (*Config, error) {
	name := os.Getenv(configFilePathENV)
	if name == "" {
		name = defaultConfigFile
	}
	return Load(filepath.Join(configDir, name))
}

// Load decodes the yaml file at path over the defaults, then applies the
// FEED_* environment overrides (a .env file is honoured when present).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer func() {
		_ = file.Close()
	}()

	config := defaults()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "decode config file %s", path)
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(c *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if v.IsSet("endpoint") {
		c.Feed.Endpoint = v.GetString("endpoint")
	}
	if v.IsSet("reconnect_delay") {
		c.Feed.ReconnectDelay = v.GetDuration("reconnect_delay")
	}
	if v.IsSet("telegram_token") {
		c.Telegram.Token = v.GetString("telegram_token")
	}
	if v.IsSet("telegram_chat_id") {
		c.Telegram.ChatID = v.GetInt64("telegram_chat_id")
	}
	if v.IsSet("tracing_enabled") {
		c.Tracing.Enabled = v.GetBool("tracing_enabled")
	}
	if v.IsSet("log_level") {
		c.Log.Level = v.GetString("log_level")
	}
}

func (c *Config) Validate() error {
	if c.Feed.Endpoint == "" {
		return errors.New("config: feed.endpoint is required")
	}
	u, err := url.Parse(c.Feed.Endpoint)
	if err != nil {
		return errors.Wrap(err, "config: feed.endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("config: feed.endpoint must be ws:// or wss://, got %q", c.Feed.Endpoint)
	}
	if c.Feed.ReconnectDelay <= 0 {
		return errors.Errorf("config: feed.reconnect_delay must be positive, got %s", c.Feed.ReconnectDelay)
	}
	if c.Feed.HistoryDays < 0 {
		return errors.Errorf("config: feed.history_days must not be negative, got %d", c.Feed.HistoryDays)
	}
	if len(c.Catalog.Pairs) == 0 {
		return errors.New("config: catalog.pairs is empty")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return errors.New("config: telegram.chat_id is required with a token")
	}
	return nil
}
