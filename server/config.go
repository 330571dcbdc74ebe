/******************************************************************************
 *
 *  Description :
 *
 *    Process configuration. A closed set of environment variables, loaded
 *    once at startup, optionally seeded from a .env file.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the typed view of the environment.
type Config struct {
	Host string
	Port int

	DatabaseURL string

	JWTSecret    string
	JWTExpiresIn time.Duration
	BcryptCost   int

	TorEnabled          bool
	TorSocksHost        string
	TorSocksPort        int
	TorControlPort      int
	TorHiddenServiceDir string

	AllowedOrigins []string

	RateLimitPerSecond float64
	RateLimitBurstSize int

	MaxFileSize int64
	UploadDir   string

	EnableLinkPreview bool

	LogLevel string
}

// Addr returns the host:port the HTTP listener binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

// loadConfig reads the environment into a Config. A .env file in the working
// directory is applied first when present.
func loadConfig() (*Config, error) {
	// Missing .env is not an error; explicit environment always wins.
	godotenv.Load()

	var c Config
	var err error

	c.Host = envStr("HOST", "0.0.0.0")
	if c.Port, err = envInt("PORT", 3000); err != nil {
		return nil, err
	}

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	if c.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}

	expires, err := envInt("JWT_EXPIRES_IN", 86400)
	if err != nil {
		return nil, err
	}
	c.JWTExpiresIn = time.Duration(expires) * time.Second

	if c.BcryptCost, err = envInt("BCRYPT_COST", 12); err != nil {
		return nil, err
	}

	if c.TorEnabled, err = envBool("OVERLAY_ENABLED", false); err != nil {
		return nil, err
	}
	c.TorSocksHost = envStr("OVERLAY_SOCKS_HOST", "127.0.0.1")
	if c.TorSocksPort, err = envInt("OVERLAY_SOCKS_PORT", 9050); err != nil {
		return nil, err
	}
	if c.TorControlPort, err = envInt("TOR_CONTROL_PORT", 9051); err != nil {
		return nil, err
	}
	c.TorHiddenServiceDir = envStr("TOR_HIDDEN_SERVICE_DIR", "/var/lib/tor/hidden_service")

	for _, origin := range strings.Split(envStr("ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, origin)
		}
	}

	rps, err := envInt("RATE_LIMIT_PER_SECOND", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimitPerSecond = float64(rps)
	if c.RateLimitBurstSize, err = envInt("RATE_LIMIT_BURST_SIZE", 20); err != nil {
		return nil, err
	}

	maxFile, err := envInt("MAX_FILE_SIZE", 1<<30)
	if err != nil {
		return nil, err
	}
	c.MaxFileSize = int64(maxFile)

	if c.UploadDir, err = validatedUploadDir(envStr("UPLOAD_DIR", "./uploads")); err != nil {
		return nil, err
	}

	if c.EnableLinkPreview, err = envBool("ENABLE_LINK_PREVIEW", true); err != nil {
		return nil, err
	}

	c.LogLevel = envStr("LOG_LEVEL", "info")

	return &c, nil
}

// validatedUploadDir rejects traversal sequences, creates the directory if
// missing and resolves it to an absolute canonical path. Every stored object
// must later resolve to a descendant of this path.
func validatedUploadDir(raw string) (string, error) {
	if strings.Contains(raw, "..") {
		return "", errors.New("config: UPLOAD_DIR must not contain '..'")
	}
	if err := os.MkdirAll(raw, 0o755); err != nil {
		return "", fmt.Errorf("config: create upload dir: %w", err)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("config: resolve upload dir: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("config: canonicalise upload dir: %w", err)
	}
	return canonical, nil
}
