// Package config assembles tracker configuration from defaults, an optional
// YAML file and environment overrides. Secrets (session headers, rotation
// secret) come from the environment only; a local .env file is honored.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vkuzmin/entitytrack/internal/clients"
	"gopkg.in/yaml.v3"
)

// Config is the resolved tracker configuration.
type Config struct {
	Entity string
	Port   int

	BalancesInterval  time.Duration
	TransfersInterval time.Duration

	ForceLookbackMin int
	OlderBaselineMin int

	MaxSnapshots int
	MinSnapshots int

	DBPath     string
	JournalDir string

	SharedSecret string

	ArkhamBaseURL string
	ArkhamPath    string
	ArkhamTimeout time.Duration
	ArkhamHeaders clients.Headers
}

type configYaml struct {
	Entity            string        `yaml:"entity"`
	Port              int           `yaml:"port"`
	BalancesInterval  time.Duration `yaml:"balances_interval"`
	TransfersInterval time.Duration `yaml:"transfers_interval"`
	ForceLookbackMin  int           `yaml:"force_lookback_min"`
	OlderBaselineMin  int           `yaml:"older_baseline_min"`
	MaxSnapshots      int           `yaml:"max_snapshots"`
	MinSnapshots      int           `yaml:"min_snapshots"`
	DBPath            string        `yaml:"db_path"`
	JournalDir        string        `yaml:"journal_dir"`
	ArkhamBaseURL     string        `yaml:"arkham_base_url"`
	ArkhamPath        string        `yaml:"arkham_path"`
	ArkhamTimeout     time.Duration `yaml:"arkham_timeout"`
}

// Get resolves the configuration. Flag --config points at an optional YAML
// file; environment variables override both it and the defaults.
func Get() (Config, error) {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg := defaults()

	if *configPath != "" {
		if err := applyYaml(&cfg, *configPath); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	cfg.Entity = strings.ToLower(strings.TrimSpace(cfg.Entity))
	if cfg.ArkhamPath == "" {
		cfg.ArkhamPath = fmt.Sprintf("/balances/entity/%s?cheap=false", cfg.Entity)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Entity:            "wintermute",
		Port:              3000,
		BalancesInterval:  5 * time.Minute,
		TransfersInterval: 30 * time.Second,
		MaxSnapshots:      100,
		MinSnapshots:      10,
		DBPath:            "./data/snapshots.db",
		JournalDir:        "./wal/ticks",
		ArkhamBaseURL:     "https://api.arkm.com",
		ArkhamTimeout:     20 * time.Second,
		ArkhamHeaders: clients.Headers{
			UserAgent: "Mozilla/5.0",
			Origin:    "https://intel.arkm.com",
			Referer:   "https://intel.arkm.com/",
			Accept:    "application/json, text/plain, */*",
		},
	}
}

func applyYaml(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var y configYaml
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if y.Entity != "" {
		cfg.Entity = y.Entity
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	if y.BalancesInterval > 0 {
		cfg.BalancesInterval = y.BalancesInterval
	}
	if y.TransfersInterval > 0 {
		cfg.TransfersInterval = y.TransfersInterval
	}
	if y.ForceLookbackMin > 0 {
		cfg.ForceLookbackMin = y.ForceLookbackMin
	}
	if y.OlderBaselineMin > 0 {
		cfg.OlderBaselineMin = y.OlderBaselineMin
	}
	if y.MaxSnapshots > 0 {
		cfg.MaxSnapshots = y.MaxSnapshots
	}
	if y.MinSnapshots > 0 {
		cfg.MinSnapshots = y.MinSnapshots
	}
	if y.DBPath != "" {
		cfg.DBPath = y.DBPath
	}
	if y.JournalDir != "" {
		cfg.JournalDir = y.JournalDir
	}
	if y.ArkhamBaseURL != "" {
		cfg.ArkhamBaseURL = y.ArkhamBaseURL
	}
	if y.ArkhamPath != "" {
		cfg.ArkhamPath = y.ArkhamPath
	}
	if y.ArkhamTimeout > 0 {
		cfg.ArkhamTimeout = y.ArkhamTimeout
	}
	return nil
}

func applyEnv(cfg *Config) {
	envStr("ENTITY", &cfg.Entity)
	envInt("PORT", &cfg.Port)
	envMs("INTERVAL_MS", &cfg.BalancesInterval)
	envMs("TRANSFER_INTERVAL_MS", &cfg.TransfersInterval)
	envInt("FORCE_LOOKBACK_MIN", &cfg.ForceLookbackMin)
	envInt("OLDER_BASELINE_MINUTES", &cfg.OlderBaselineMin)
	envInt("MAX_SNAPSHOTS", &cfg.MaxSnapshots)
	envInt("MIN_SNAPSHOTS", &cfg.MinSnapshots)
	envStr("DB_PATH", &cfg.DBPath)
	envStr("JOURNAL_DIR", &cfg.JournalDir)
	envStr("ARKHAM_BASE_URL", &cfg.ArkhamBaseURL)
	envStr("ARKHAM_PATH", &cfg.ArkhamPath)
	envMs("ARKHAM_TIMEOUT_MS", &cfg.ArkhamTimeout)

	for _, key := range []string{"SIG_SHARED_SECRET", "SIG_SECRET", "SIG"} {
		if v := os.Getenv(key); v != "" {
			cfg.SharedSecret = v
			break
		}
	}

	h := &cfg.ArkhamHeaders
	envStr("ARKHAM_COOKIE", &h.Cookie)
	envStr("ARKHAM_X_PAYLOAD", &h.XPayload)
	envStr("ARKHAM_X_TIMESTAMP", &h.XTimestamp)
	envStr("ARKHAM_UA", &h.UserAgent)
	envStr("ARKHAM_ORIGIN", &h.Origin)
	envStr("ARKHAM_REFERER", &h.Referer)
	envStr("ARKHAM_ACCEPT", &h.Accept)

	extra := map[string]string{
		"accept-language": os.Getenv("ARKHAM_ACCEPT_LANGUAGE"),
		"sec-gpc":         os.Getenv("ARKHAM_SEC_GPC"),
		"sec-fetch-mode":  os.Getenv("ARKHAM_SEC_FETCH_MODE"),
		"sec-fetch-site":  os.Getenv("ARKHAM_SEC_FETCH_SITE"),
		"sec-fetch-dest":  os.Getenv("ARKHAM_SEC_FETCH_DEST"),
	}
	for key, value := range extra {
		if value == "" {
			delete(extra, key)
		}
	}
	if len(extra) > 0 {
		h.Extra = extra
	}
}

func (c Config) validate() error {
	if c.Entity == "" {
		return fmt.Errorf("entity must not be empty")
	}
	if c.BalancesInterval <= 0 || c.TransfersInterval <= 0 {
		return fmt.Errorf("tick intervals must be positive")
	}
	if c.MinSnapshots >= c.MaxSnapshots {
		return fmt.Errorf("min_snapshots (%d) must be below max_snapshots (%d)",
			c.MinSnapshots, c.MaxSnapshots)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.Atoi(v); err == nil {
		*dst = parsed
	}
}

func envMs(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
		*dst = time.Duration(parsed) * time.Millisecond
	}
}

// Addr is the listen address for the web server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
