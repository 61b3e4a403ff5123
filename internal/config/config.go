// Package config builds the server configuration from defaults, an optional
// YAML file, the environment (including a .env file) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Backend selects where accounts and chat history live.
type Backend string

const (
	// BackendREST talks to a PostgREST (Supabase) table service over HTTP.
	BackendREST Backend = "rest"
	// BackendPostgres connects to the same tables directly.
	BackendPostgres Backend = "postgres"
	// BackendSQLite keeps everything in the local database file.
	BackendSQLite Backend = "sqlite"
)

var (
	ErrMissingSecret  = errors.New("missing required secret")
	ErrUnknownBackend = errors.New("unknown store backend")
)

// DefaultGeminiURL is the generateContent endpoint used when GEMINI_URL is unset.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"

// Config holds runtime settings for the chat server.
type Config struct {
	Addr         string        `yaml:"addr"`
	DBPath       string        `yaml:"db_path"`
	Backend      Backend       `yaml:"store_backend"`
	SupabaseURL  string        `yaml:"supabase_url"`
	SupabaseKey  string        `yaml:"supabase_key"`
	DatabaseDSN  string        `yaml:"database_dsn"`
	GeminiKey    string        `yaml:"gemini_key"`
	GeminiURL    string        `yaml:"gemini_url"`
	ReferenceDir string        `yaml:"reference_dir"`
	TemplateDir  string        `yaml:"template_dir"`
	StaticDir    string        `yaml:"static_dir"`
	SecureCookie bool          `yaml:"secure_cookie"`
	TypingDelay  time.Duration `yaml:"typing_delay"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	LogLevel     string        `yaml:"log_level"`

	// Bootstrap account for the sqlite backend.
	AdminUser       string `yaml:"admin_user"`
	AdminPassword   string `yaml:"admin_password"`
	AdminTokenLimit int64  `yaml:"admin_token_limit"`
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.Addr = ":8080"
	c.DBPath = "zirak.db"
	c.Backend = BackendREST
	c.GeminiURL = DefaultGeminiURL
	c.ReferenceDir = "reference"
	c.TemplateDir = "web/templates"
	c.StaticDir = "web/static"
	c.TypingDelay = 20 * time.Millisecond
	c.CacheTTL = 5 * time.Minute
	c.LogLevel = "info"
	c.AdminTokenLimit = 100000
}

// Validate checks that the secrets the selected backend needs are present.
func (c *Config) Validate() error {
	if c.GeminiKey == "" {
		return fmt.Errorf("%w: GEMINI_KEY", ErrMissingSecret)
	}
	switch c.Backend {
	case BackendREST:
		if c.SupabaseURL == "" {
			return fmt.Errorf("%w: SUPABASE_URL", ErrMissingSecret)
		}
		if c.SupabaseKey == "" {
			return fmt.Errorf("%w: SUPABASE_KEY", ErrMissingSecret)
		}
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("%w: DATABASE_DSN", ErrMissingSecret)
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}
