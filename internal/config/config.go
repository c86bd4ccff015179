// Package config loads the daemon's file-based configuration. File
// decoding follows the teacher's internal/recipes/recipes.go, which calls
// BurntSushi/toml directly against a .beads/recipes.toml-shaped file;
// env-var overlay follows cmd/bd/config.go's viper.New() idiom, used here
// purely as a key/value store for the HIVE_-prefixed overrides rather than
// to parse the file itself (viper's own TOML decoding goes through
// pelletier/go-toml, which would leave BurntSushi/toml unexercised).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config keys, mirroring the teacher's internal/config/decision.go naming
// style (dotted, lower-kebab leaf names). Used only as viper keys for the
// env-override layer; the TOML file itself is decoded straight into
// fileConfig below.
const (
	KeyDBPath = "db.path"

	KeyHTTPAddr = "stream.http-addr"

	KeyEmbedServerURL   = "embed.server-url"
	KeyEmbedModel       = "embed.model"
	KeyEmbedConcurrency = "embed.concurrency"
	KeyEmbedTimeout     = "embed.timeout"

	KeyNATSURL = "nats.url"

	KeyWatchDirs     = "session.watch-dirs"
	KeySessionSuffix = "session.suffix"

	KeyLogLevel = "log.level"
	KeyLogJSON  = "log.json"
)

// Config is the daemon's fully-resolved configuration.
type Config struct {
	DBPath string

	HTTPAddr string

	EmbedServerURL   string
	EmbedModel       string
	EmbedConcurrency int
	EmbedTimeout     time.Duration

	NATSURL string

	WatchDirs     []string
	SessionSuffix string

	LogLevel string
	LogJSON  bool
}

// fileConfig is the TOML-file shape decoded by BurntSushi/toml, nested the
// same way .beads/config.yaml's sections are in the teacher (sync.mode,
// federation.sovereignty, ...).
type fileConfig struct {
	DB struct {
		Path string `toml:"path"`
	} `toml:"db"`
	Stream struct {
		HTTPAddr string `toml:"http-addr"`
	} `toml:"stream"`
	Embed struct {
		ServerURL   string `toml:"server-url"`
		Model       string `toml:"model"`
		Concurrency int    `toml:"concurrency"`
		Timeout     string `toml:"timeout"`
	} `toml:"embed"`
	NATS struct {
		URL string `toml:"url"`
	} `toml:"nats"`
	Session struct {
		WatchDirs []string `toml:"watch-dirs"`
		Suffix    string   `toml:"suffix"`
	} `toml:"session"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

func defaults() *Config {
	return &Config{
		DBPath:           ".hive/hive.db",
		HTTPAddr:         "127.0.0.1:4173",
		EmbedModel:       "bead-embed-v1",
		EmbedConcurrency: 5,
		EmbedTimeout:     30 * time.Second,
		SessionSuffix:    ".jsonl",
		LogLevel:         "info",
	}
}

// Load reads dir/config.toml (if present) over a set of built-in defaults,
// then applies HIVE_-prefixed environment overrides, and returns the
// resolved Config. A missing config file is not an error — defaults are
// used as-is, the same posture as the teacher's LoadLocalConfig.
func Load(dir string) (*Config, error) {
	cfg := defaults()

	path := dir + "/config.toml"
	if _, err := os.Stat(path); err == nil {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		applyFileConfig(cfg, &fc)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 5
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.DB.Path != "" {
		cfg.DBPath = fc.DB.Path
	}
	if fc.Stream.HTTPAddr != "" {
		cfg.HTTPAddr = fc.Stream.HTTPAddr
	}
	if fc.Embed.ServerURL != "" {
		cfg.EmbedServerURL = fc.Embed.ServerURL
	}
	if fc.Embed.Model != "" {
		cfg.EmbedModel = fc.Embed.Model
	}
	if fc.Embed.Concurrency != 0 {
		cfg.EmbedConcurrency = fc.Embed.Concurrency
	}
	if fc.Embed.Timeout != "" {
		if d, err := time.ParseDuration(fc.Embed.Timeout); err == nil {
			cfg.EmbedTimeout = d
		}
	}
	if fc.NATS.URL != "" {
		cfg.NATSURL = fc.NATS.URL
	}
	if len(fc.Session.WatchDirs) > 0 {
		cfg.WatchDirs = fc.Session.WatchDirs
	}
	if fc.Session.Suffix != "" {
		cfg.SessionSuffix = fc.Session.Suffix
	}
	if fc.Log.Level != "" {
		cfg.LogLevel = fc.Log.Level
	}
	cfg.LogJSON = cfg.LogJSON || fc.Log.JSON
}

// applyEnvOverrides layers HIVE_-prefixed environment variables over cfg,
// using viper purely as a key/value lookup (AutomaticEnv + a replacer
// turning dotted/kebab keys into the SCREAMING_SNAKE_CASE env var shape),
// never as the file parser.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if v.IsSet(KeyDBPath) {
		cfg.DBPath = v.GetString(KeyDBPath)
	}
	if v.IsSet(KeyHTTPAddr) {
		cfg.HTTPAddr = v.GetString(KeyHTTPAddr)
	}
	if v.IsSet(KeyEmbedServerURL) {
		cfg.EmbedServerURL = v.GetString(KeyEmbedServerURL)
	}
	if v.IsSet(KeyEmbedModel) {
		cfg.EmbedModel = v.GetString(KeyEmbedModel)
	}
	if v.IsSet(KeyEmbedConcurrency) {
		cfg.EmbedConcurrency = v.GetInt(KeyEmbedConcurrency)
	}
	if v.IsSet(KeyEmbedTimeout) {
		cfg.EmbedTimeout = v.GetDuration(KeyEmbedTimeout)
	}
	if v.IsSet(KeyNATSURL) {
		cfg.NATSURL = v.GetString(KeyNATSURL)
	}
	if v.IsSet(KeyWatchDirs) {
		cfg.WatchDirs = v.GetStringSlice(KeyWatchDirs)
	}
	if v.IsSet(KeySessionSuffix) {
		cfg.SessionSuffix = v.GetString(KeySessionSuffix)
	}
	if v.IsSet(KeyLogLevel) {
		cfg.LogLevel = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogJSON) {
		cfg.LogJSON = v.GetBool(KeyLogJSON)
	}
}
