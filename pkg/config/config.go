package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may query
// at runtime (populated during startup by main after merging env+file).
type RuntimeConfig struct {
	BackendKeys map[string]struct{}
	JWTSecret   []byte
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// GetBackendKeys returns a copy of configured backend keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil || runtimeCfg.BackendKeys == nil {
		return out
	}
	for k := range runtimeCfg.BackendKeys {
		out[k] = struct{}{}
	}
	return out
}

// GetJWTSecret returns the configured HS256 signing secret, or nil when
// bearer auth is not configured.
func GetJWTSecret() []byte {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil || len(runtimeCfg.JWTSecret) == 0 {
		return nil
	}
	return append([]byte(nil), runtimeCfg.JWTSecret...)
}

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Security   SecurityConfig   `yaml:"security"`
	Search     SearchConfig     `yaml:"search"`
	Logging    LoggingConfig    `yaml:"logging"`
	Validation ValidationConfig `yaml:"validation"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig selects and configures the store backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // pebble | redis | memory
	DBPath  string      `yaml:"db_path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds identity settings: the HS256 secret for user bearer
// tokens and the API keys trusted services use together with an explicit
// user header.
type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	Issuer      string   `yaml:"issuer"`
	Audience    string   `yaml:"audience"`
	BackendKeys []string `yaml:"backend_keys"`
}

// SecurityConfig holds CORS and rate limiting settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// SearchConfig configures the vector search client. Empty APIKey disables
// search; the endpoint then reports the degraded mode.
type SearchConfig struct {
	APIKey         string  `yaml:"api_key"`
	VectorStoreID  string  `yaml:"vector_store_id"`
	BaseURL        string  `yaml:"base_url"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console|json
}

// ValidationConfig holds request body limits.
type ValidationConfig struct {
	MaxPayloadBytes SizeBytes `yaml:"max_payload_bytes"`
	MaxTitleLen     int       `yaml:"max_title_len"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, backend string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	backendPtr := flag.String("backend", "pebble", "store backend (pebble|redis|memory)")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *backendPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// returns whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("MERAKSTORE_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		if host := os.Getenv("MERAKSTORE_ADDRESS"); host != "" {
			envUsed = true
			cfg.Server.Address = host
		}
		if port := os.Getenv("MERAKSTORE_PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}

	if v := os.Getenv("MERAKSTORE_BACKEND"); v != "" {
		envUsed = true
		cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MERAKSTORE_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("MERAKSTORE_REDIS_ADDR"); v != "" {
		envUsed = true
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("MERAKSTORE_REDIS_PASSWORD"); v != "" {
		envUsed = true
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("MERAKSTORE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Storage.Redis.DB = n
		}
	}

	if v := os.Getenv("MERAKSTORE_JWT_SECRET"); v != "" {
		envUsed = true
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("MERAKSTORE_JWT_ISSUER"); v != "" {
		envUsed = true
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("MERAKSTORE_JWT_AUDIENCE"); v != "" {
		envUsed = true
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("MERAKSTORE_BACKEND_KEYS"); v != "" {
		envUsed = true
		cfg.Auth.BackendKeys = parseList(v)
	}

	if v := os.Getenv("MERAKSTORE_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("MERAKSTORE_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("MERAKSTORE_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}

	if v := os.Getenv("MERAKSTORE_SEARCH_API_KEY"); v != "" {
		envUsed = true
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("MERAKSTORE_VECTOR_STORE_ID"); v != "" {
		envUsed = true
		cfg.Search.VectorStoreID = v
	}
	if v := os.Getenv("MERAKSTORE_SEARCH_BASE_URL"); v != "" {
		envUsed = true
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("MERAKSTORE_SEARCH_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Search.ScoreThreshold = f
		}
	}

	if v := os.Getenv("MERAKSTORE_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MERAKSTORE_LOG_FORMAT"); v != "" {
		envUsed = true
		cfg.Logging.Format = v
	}

	if c := os.Getenv("MERAKSTORE_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("MERAKSTORE_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// BackendKeySet returns the configured backend API keys as a set.
func (c *Config) BackendKeySet() map[string]struct{} {
	out := map[string]struct{}{}
	for _, k := range c.Auth.BackendKeys {
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides. A missing file is not an error; env and flags can
// carry a full configuration on their own.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and `MERAKSTORE_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("MERAKSTORE_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
