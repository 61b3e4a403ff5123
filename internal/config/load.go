package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, then a .env file in the working
// directory, then the YAML file named by -config (or ZIRAK_CONFIG), then
// environment variables, and finally the -addr and -db flags.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fset.String("config", os.Getenv("ZIRAK_CONFIG"), "Path to YAML config file")
	addr := fset.String("addr", "", "Listen address (overrides PORT/ADDR)")
	dbPath := fset.String("db", "", "Path to local database file")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.LoadDefaults()

	if *configPath != "" {
		if err := cfg.loadYAML(*configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	str("ADDR", &c.Addr)
	str("DB_PATH", &c.DBPath)
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	str("SUPABASE_URL", &c.SupabaseURL)
	str("SUPABASE_KEY", &c.SupabaseKey)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("GEMINI_KEY", &c.GeminiKey)
	str("GEMINI_URL", &c.GeminiURL)
	str("REFERENCE_DIR", &c.ReferenceDir)
	str("TEMPLATE_DIR", &c.TemplateDir)
	str("STATIC_DIR", &c.StaticDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("ADMIN_USER", &c.AdminUser)
	str("ADMIN_PASSWORD", &c.AdminPassword)

	if v := os.Getenv("SECURE_COOKIE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SECURE_COOKIE: %w", err)
		}
		c.SecureCookie = b
	}
	if v := os.Getenv("TYPING_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TYPING_DELAY: %w", err)
		}
		c.TypingDelay = d
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.CacheTTL = d
	}
	if v := os.Getenv("ADMIN_TOKEN_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ADMIN_TOKEN_LIMIT: %w", err)
		}
		c.AdminTokenLimit = n
	}
	return nil
}
