package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/internal/version"
)

// Profile is configuration to start main server.
type Profile struct {
	Mode            string
	Addr            string
	Data            string
	Driver          string // file | sqlite | bolt
	DSN             string
	ModelConfig     string // path of the model endpoint file
	Version         string
	UpstreamTimeout time.Duration
	RateLimit       float64 // chat requests per second per user, 0 disables
	Port            int
	MaxStreams      int
	RateBurst       int
}

const (
	DefaultUpstreamTimeout = 120 * time.Second
	DefaultMaxStreams      = 64
	DefaultRateBurst       = 5
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsRelease reports whether the profile runs a tagged release build.
func (p *Profile) IsRelease() bool {
	return version.IsRelease(p.Version)
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv fills the relay tuning knobs that have no flag set from environment variables.
func (p *Profile) FromEnv() {
	if p.UpstreamTimeout <= 0 {
		seconds := getEnvOrDefaultInt("CONVRELAY_UPSTREAM_TIMEOUT_SECONDS", int(DefaultUpstreamTimeout/time.Second))
		p.UpstreamTimeout = time.Duration(seconds) * time.Second
	}
	if p.MaxStreams <= 0 {
		p.MaxStreams = getEnvOrDefaultInt("CONVRELAY_MAX_STREAMS", DefaultMaxStreams)
	}
	if p.RateBurst <= 0 {
		p.RateBurst = getEnvOrDefaultInt("CONVRELAY_RATE_BURST", DefaultRateBurst)
	}
	if p.ModelConfig == "" {
		p.ModelConfig = getEnvOrDefault("CONVRELAY_MODEL_CONFIG", "")
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "convrelay")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/convrelay"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	switch p.Driver {
	case "":
		p.Driver = "file"
	case "file":
	case "sqlite":
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("convrelay_%s.db", p.Mode))
		}
	case "bolt":
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("convrelay_%s.bolt", p.Mode))
		}
	default:
		return errors.Errorf("unsupported driver %q, want file, sqlite or bolt", p.Driver)
	}

	if p.ModelConfig == "" {
		p.ModelConfig = filepath.Join(dataDir, "model_config.json")
	}
	if p.UpstreamTimeout <= 0 {
		p.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if p.MaxStreams <= 0 {
		p.MaxStreams = DefaultMaxStreams
	}
	if p.RateLimit < 0 {
		return errors.Errorf("rate limit must not be negative, got %v", p.RateLimit)
	}
	if p.RateBurst <= 0 {
		p.RateBurst = DefaultRateBurst
	}
	if p.Mode == "prod" && !p.IsRelease() {
		slog.Warn("prod mode is running a development build", slog.String("version", p.Version))
	}

	return nil
}
