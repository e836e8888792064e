package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string `toml:"service_name"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`

	// Addr is where the local API listens.
	Addr   string `toml:"addr"`
	UserID string `toml:"user_id"`
	Curve  string `toml:"curve"`

	Database  Database  `toml:"database"`
	Keystore  Keystore  `toml:"keystore"`
	Ratchet   Ratchet   `toml:"ratchet"`
	Signaling Signaling `toml:"signaling"`
	Transport Transport `toml:"transport"`
	Channel   Channel   `toml:"channel"`
	Auth      Auth      `toml:"auth"`
	HTTP      HTTP      `toml:"http"`
}

type Database struct {
	// URL is a postgres DSN, or "sqlite:<path>".
	URL    string `toml:"url"`
	LogSQL bool   `toml:"log_sql"`
	// SealingKey seals ratchet records before they are stored. Hex, base64 and
	// JWK forms are accepted.
	SealingKey string        `toml:"sealing_key"`
	CacheSize  int           `toml:"cache_size"`
	CacheTTL   time.Duration `toml:"cache_ttl"`
}

type Keystore struct {
	Path       string `toml:"path"`
	Passphrase string `toml:"passphrase"`
}

type Ratchet struct {
	MaxSkip uint32 `toml:"max_skip"`
}

type Signaling struct {
	// Backend is one of "ws", "pgnotify" or "hub".
	Backend  string `toml:"backend"`
	RelayURL string `toml:"relay_url"`
	Token    string `toml:"token"`
	DSN      string `toml:"dsn"`
	Prefix   string `toml:"prefix"`
}

type Transport struct {
	// Kind is "webrtc" or "loopback".
	Kind            string   `toml:"kind"`
	ICEServers      []string `toml:"ice_servers"`
	ICEUsername     string   `toml:"ice_username"`
	ICECredential   string   `toml:"ice_credential"`
	IncludeLoopback bool     `toml:"include_loopback"`
}

type Channel struct {
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `toml:"connect_timeout"`
	SendTimeout          time.Duration `toml:"send_timeout"`
	BackoffBase          time.Duration `toml:"backoff_base"`
	BackoffFactor        float64       `toml:"backoff_factor"`
	BackoffMax           time.Duration `toml:"backoff_max"`
	AutoReconnect        bool          `toml:"auto_reconnect"`
	InboxSize            int           `toml:"inbox_size"`
}

type Auth struct {
	// HS256Secret selects shared-secret validation; otherwise JWKSURL is used.
	HS256Secret string        `toml:"hs256_secret"`
	JWKSURL     string        `toml:"jwks_url"`
	Issuer      string        `toml:"issuer"`
	TokenTTL    time.Duration `toml:"token_ttl"`
}

type HTTP struct {
	CORSOrigins       []string      `toml:"cors_origins"`
	RateLimit         int           `toml:"rate_limit"`
	RateWindow        time.Duration `toml:"rate_window"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	// MaxWait bounds how long an inbox long-poll may hold a request.
	MaxWait time.Duration `toml:"max_wait"`
}

func Default() Config {
	return Config{
		ServiceName: "chatd",
		Environment: "development",
		LogLevel:    "info",
		Addr:        "127.0.0.1:8090",
		Curve:       "P-256",
		Database: Database{
			URL:       "sqlite:chatd.db",
			CacheSize: 1024,
			CacheTTL:  10 * time.Minute,
		},
		Keystore: Keystore{Path: "chatd-keys.db"},
		Ratchet:  Ratchet{MaxSkip: 1000},
		Signaling: Signaling{
			Backend:  "ws",
			RelayURL: "http://localhost:8080",
			Prefix:   "snakkaz_signal",
		},
		Transport: Transport{
			Kind:       "webrtc",
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Channel: Channel{
			MaxReconnectAttempts: 5,
			ConnectTimeout:       15 * time.Second,
			SendTimeout:          5 * time.Second,
			BackoffBase:          500 * time.Millisecond,
			BackoffFactor:        1.5,
			BackoffMax:           2 * time.Second,
			AutoReconnect:        true,
			InboxSize:            256,
		},
		Auth: Auth{
			Issuer:   "http://localhost:8081",
			TokenTTL: time.Hour,
		},
		HTTP: HTTP{
			RateLimit:         100,
			RateWindow:        time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
			RequestTimeout:    30 * time.Second,
			MaxWait:           15 * time.Second,
		},
	}
}

// Load reads an optional .env file, then the TOML file named by CHATD_CONFIG,
// then environment overrides, and validates the result.
func Load() (Config, error) {
	cfg, err := Read(os.Getenv("CHATD_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Read layers .env, the TOML file at path (skipped when empty) and the
// environment over Default without validating. chatctl uses it directly.
func Read(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: ignoring unreadable .env", "error", err)
	}
	return readFile(path)
}

// LoadFile is Load with an explicit path and without the .env step.
func LoadFile(path string) (Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			slog.Warn("config: unknown keys ignored", "file", path, "keys", fmt.Sprint(undec))
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.ServiceName = envOr("CHATD_SERVICE_NAME", c.ServiceName)
	c.Environment = envOr("CHATD_ENV", c.Environment)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.Addr = envOr("CHATD_ADDR", c.Addr)
	c.UserID = envOr("CHATD_USER_ID", c.UserID)
	c.Curve = envOr("CHATD_CURVE", c.Curve)

	c.Database.URL = envOr("CHATD_DATABASE_URL", c.Database.URL)
	c.Database.LogSQL = envBool("CHATD_LOG_SQL", c.Database.LogSQL)
	c.Database.SealingKey = envOr("CHATD_SEALING_KEY", c.Database.SealingKey)
	c.Database.CacheSize = envInt("CHATD_CACHE_SIZE", c.Database.CacheSize)
	c.Database.CacheTTL = envDuration("CHATD_CACHE_TTL", c.Database.CacheTTL)

	c.Keystore.Path = envOr("CHATD_KEYSTORE_PATH", c.Keystore.Path)
	c.Keystore.Passphrase = envOr("CHATD_KEYSTORE_PASSPHRASE", c.Keystore.Passphrase)

	if n := envInt("CHATD_MAX_SKIP", int(c.Ratchet.MaxSkip)); n > 0 {
		c.Ratchet.MaxSkip = uint32(n)
	} else {
		slog.Warn("config: invalid max skip, keeping previous", "value", n, "max_skip", c.Ratchet.MaxSkip)
	}

	c.Signaling.Backend = envOr("CHATD_SIGNALING", c.Signaling.Backend)
	c.Signaling.RelayURL = envOr("CHATD_RELAY_URL", c.Signaling.RelayURL)
	c.Signaling.Token = envOr("CHATD_RELAY_TOKEN", c.Signaling.Token)
	c.Signaling.DSN = envOr("CHATD_SIGNALING_DSN", c.Signaling.DSN)

	c.Transport.Kind = envOr("CHATD_TRANSPORT", c.Transport.Kind)
	c.Transport.ICEServers = envList("CHATD_ICE_SERVERS", c.Transport.ICEServers)
	c.Transport.ICEUsername = envOr("CHATD_ICE_USERNAME", c.Transport.ICEUsername)
	c.Transport.ICECredential = envOr("CHATD_ICE_CREDENTIAL", c.Transport.ICECredential)

	c.Channel.MaxReconnectAttempts = envInt("CHATD_MAX_RECONNECT_ATTEMPTS", c.Channel.MaxReconnectAttempts)
	c.Channel.ConnectTimeout = envDuration("CHATD_CONNECT_TIMEOUT", c.Channel.ConnectTimeout)
	c.Channel.SendTimeout = envDuration("CHATD_SEND_TIMEOUT", c.Channel.SendTimeout)
	c.Channel.AutoReconnect = envBool("CHATD_AUTO_RECONNECT", c.Channel.AutoReconnect)

	c.Auth.HS256Secret = envOr("CHATD_HS256_SECRET", c.Auth.HS256Secret)
	c.Auth.JWKSURL = envOr("CHATD_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.Issuer = envOr("CHATD_ISSUER", c.Auth.Issuer)

	c.HTTP.CORSOrigins = envList("CHATD_CORS_ORIGINS", c.HTTP.CORSOrigins)
	c.HTTP.RateLimit = envInt("CHATD_RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.MaxWait = envDuration("CHATD_MAX_WAIT", c.HTTP.MaxWait)
}

func (c Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	switch c.Curve {
	case "P-256", "X25519":
	default:
		errs = append(errs, fmt.Errorf("unsupported curve %q", c.Curve))
	}
	switch c.Signaling.Backend {
	case "ws":
		if c.Signaling.RelayURL == "" {
			errs = append(errs, errors.New("signaling.relay_url is required for the ws backend"))
		}
	case "pgnotify":
		if c.Signaling.DSN == "" && !strings.HasPrefix(c.Database.URL, "postgres") {
			errs = append(errs, errors.New("signaling.dsn is required for the pgnotify backend"))
		}
	case "hub":
	default:
		errs = append(errs, fmt.Errorf("unknown signaling backend %q", c.Signaling.Backend))
	}
	switch c.Transport.Kind {
	case "webrtc", "loopback":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	if c.Transport.Kind == "loopback" && c.Signaling.Backend != "hub" {
		errs = append(errs, errors.New("the loopback transport only works with the hub signaling backend"))
	}
	if c.Auth.HS256Secret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.hs256_secret or auth.jwks_url is required"))
	}
	if c.Channel.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("channel.max_reconnect_attempts must be positive"))
	}
	if c.HTTP.MaxWait <= 0 || c.HTTP.MaxWait >= c.HTTP.RequestTimeout {
		errs = append(errs, errors.New("http.max_wait must be positive and shorter than http.request_timeout"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SignalingDSN is the DSN the pgnotify backend connects to.
func (c Config) SignalingDSN() string {
	if c.Signaling.DSN != "" {
		return c.Signaling.DSN
	}
	return c.Database.URL
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		slog.Warn("config: invalid bool, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
