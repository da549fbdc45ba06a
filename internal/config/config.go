package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Database struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`

	// Addr and PoolSize apply to the oxidb driver.
	Addr     string `toml:"addr"`
	PoolSize int    `toml:"pool_size"`
}

type Storage struct {
	Backend        string `toml:"backend"`
	Root           string `toml:"root"`
	OxiDBHost      string `toml:"oxidb_host"`
	OxiDBPort      int    `toml:"oxidb_port"`
	PoolSize       int    `toml:"pool_size"`
	Bucket         string `toml:"bucket"`
	SignTTLSeconds int    `toml:"sign_ttl_seconds"`
	SigningSecret  string `toml:"signing_secret"`
}

type Retry struct {
	Attempts  int `toml:"attempts"`
	InitialMS int `toml:"initial_ms"`
	MaxMS     int `toml:"max_ms"`
}

type Archive struct {
	Parallelism          int `toml:"parallelism"`
	TempMaxAgeMinutes    int `toml:"temp_max_age_minutes"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`

	// FetchOverHTTP makes the archive builder download entries through their
	// signed public URLs instead of reading the blob store directly.
	FetchOverHTTP bool `toml:"fetch_over_http"`
}

type Auth struct {
	JWTSecret     string `toml:"jwt_secret"`
	AdminEmail    string `toml:"admin_email"`
	AdminPassword string `toml:"admin_password"`
	WorkerKey     string `toml:"worker_key"`
}

type Notify struct {
	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     int    `toml:"smtp_port"`
	SMTPUser     string `toml:"smtp_user"`
	SMTPPassword string `toml:"smtp_password"`
	From         string `toml:"from"`
	DashboardURL string `toml:"dashboard_url"`
}

type Log struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	GelfAddr string `toml:"gelf_addr"`
}

type Config struct {
	HTTPAddr  string   `toml:"http_addr"`
	PublicURL string   `toml:"public_url"`
	Dev       bool     `toml:"dev"`
	Database  Database `toml:"database"`
	Storage   Storage  `toml:"storage"`
	Retry     Retry    `toml:"retry"`
	Archive   Archive  `toml:"archive"`
	Auth      Auth     `toml:"auth"`
	Notify    Notify   `toml:"notify"`
	Log       Log      `toml:"log"`
}

const devSecret = "oxiwarehouse-dev-secret-change-me"

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		PublicURL: "http://localhost:8080",
		Dev:       true,
		Database: Database{
			Driver:   "sqlite",
			Path:     "data/oxiwarehouse.db",
			Addr:     "127.0.0.1:4444",
			PoolSize: 3,
		},
		Storage: Storage{
			Backend:        "fs",
			Root:           "data/blobs",
			OxiDBHost:      "127.0.0.1",
			OxiDBPort:      4444,
			PoolSize:       3,
			Bucket:         "oxiwarehouse",
			SignTTLSeconds: 3600,
			SigningSecret:  devSecret,
		},
		Retry: Retry{
			Attempts:  4,
			InitialMS: 100,
			MaxMS:     2000,
		},
		Archive: Archive{
			Parallelism:          4,
			TempMaxAgeMinutes:    24 * 60,
			SweepIntervalMinutes: 60,
		},
		Auth: Auth{
			JWTSecret:     devSecret,
			AdminEmail:    "admin@oxiwarehouse.local",
			AdminPassword: "admin12345",
		},
		Notify: Notify{
			SMTPPort:     587,
			From:         "no-reply@oxiwarehouse.local",
			DashboardURL: "http://localhost:8080/dashboard",
		},
		Log: Log{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty or the file does not exist), then OXW_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("OXW_ADDR", c.HTTPAddr)
	c.PublicURL = getEnv("OXW_PUBLIC_URL", c.PublicURL)
	c.Dev = getEnvBool("OXW_DEV", c.Dev)

	c.Database.Driver = getEnv("OXW_DB_DRIVER", c.Database.Driver)
	c.Database.Path = getEnv("OXW_DB_PATH", c.Database.Path)
	c.Database.DSN = getEnv("OXW_DB_DSN", c.Database.DSN)
	c.Database.Addr = getEnv("OXW_DB_ADDR", c.Database.Addr)
	c.Database.PoolSize = getEnvInt("OXW_DB_POOL_SIZE", c.Database.PoolSize)

	c.Storage.Backend = getEnv("OXW_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Root = getEnv("OXW_STORAGE_ROOT", c.Storage.Root)
	c.Storage.OxiDBHost = getEnv("OXIDB_HOST", c.Storage.OxiDBHost)
	c.Storage.OxiDBPort = getEnvInt("OXIDB_PORT", c.Storage.OxiDBPort)
	c.Storage.PoolSize = getEnvInt("OXW_POOL_SIZE", c.Storage.PoolSize)
	c.Storage.Bucket = getEnv("OXW_BUCKET", c.Storage.Bucket)
	c.Storage.SignTTLSeconds = getEnvInt("OXW_SIGN_TTL", c.Storage.SignTTLSeconds)
	c.Storage.SigningSecret = getEnv("OXW_SIGNING_SECRET", c.Storage.SigningSecret)

	c.Retry.Attempts = getEnvInt("OXW_RETRY_ATTEMPTS", c.Retry.Attempts)

	c.Archive.Parallelism = getEnvInt("OXW_ARCHIVE_PARALLELISM", c.Archive.Parallelism)
	c.Archive.TempMaxAgeMinutes = getEnvInt("OXW_TEMP_MAX_AGE", c.Archive.TempMaxAgeMinutes)
	c.Archive.FetchOverHTTP = getEnvBool("OXW_ARCHIVE_FETCH_HTTP", c.Archive.FetchOverHTTP)

	c.Auth.JWTSecret = getEnv("OXW_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AdminEmail = getEnv("OXW_ADMIN_EMAIL", c.Auth.AdminEmail)
	c.Auth.AdminPassword = getEnv("OXW_ADMIN_PASS", c.Auth.AdminPassword)
	c.Auth.WorkerKey = getEnv("OXW_WORKER_KEY", c.Auth.WorkerKey)

	c.Notify.SMTPHost = getEnv("OXW_SMTP_HOST", c.Notify.SMTPHost)
	c.Notify.SMTPPort = getEnvInt("OXW_SMTP_PORT", c.Notify.SMTPPort)
	c.Notify.SMTPUser = getEnv("OXW_SMTP_USER", c.Notify.SMTPUser)
	c.Notify.SMTPPassword = getEnv("OXW_SMTP_PASSWORD", c.Notify.SMTPPassword)
	c.Notify.From = getEnv("OXW_MAIL_FROM", c.Notify.From)

	c.Log.Level = getEnv("OXW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("OXW_LOG_FORMAT", c.Log.Format)
	c.Log.GelfAddr = getEnv("OXW_GELF_ADDR", c.Log.GelfAddr)
}

func (c *Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			problems = append(problems, "database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for postgres")
		}
	case "oxidb":
		if c.Database.Addr == "" {
			problems = append(problems, "database.addr is required for oxidb")
		}
		if c.Database.PoolSize <= 0 {
			problems = append(problems, "database.pool_size must be positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver: unsupported value %q", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "memory":
	case "fs":
		if c.Storage.Root == "" {
			problems = append(problems, "storage.root is required for the fs backend")
		}
	case "oxidb":
		if c.Storage.PoolSize <= 0 {
			problems = append(problems, "storage.pool_size must be positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend: unsupported value %q", c.Storage.Backend))
	}
	if c.Storage.SignTTLSeconds <= 0 {
		problems = append(problems, "storage.sign_ttl_seconds must be positive")
	}
	if c.Retry.Attempts <= 0 {
		problems = append(problems, "retry.attempts must be positive")
	}
	if c.Archive.Parallelism <= 0 {
		problems = append(problems, "archive.parallelism must be positive")
	}
	if !c.Dev {
		if c.Auth.JWTSecret == devSecret || c.Auth.JWTSecret == "" {
			problems = append(problems, "auth.jwt_secret must be set outside dev mode")
		}
		if c.Storage.SigningSecret == devSecret || c.Storage.SigningSecret == "" {
			problems = append(problems, "storage.signing_secret must be set outside dev mode")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) SignTTL() time.Duration {
	return time.Duration(c.Storage.SignTTLSeconds) * time.Second
}

func (c *Config) TempMaxAge() time.Duration {
	return time.Duration(c.Archive.TempMaxAgeMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Archive.SweepIntervalMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
