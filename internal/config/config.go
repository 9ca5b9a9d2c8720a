package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime settings of the scanning service.
type Config struct {
	HTTPAddr string

	// DataRoot is the app-writable root; the model lands in DataRoot/tessdata.
	DataRoot string
	// AssetDir is the read-only bundle the model file is copied from.
	AssetDir  string
	ModelFile string

	CaptureDir  string
	PickerRoots map[string]string

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	WorkerPoolSize  int
	SessionIdleTTL  time.Duration
	MaxUploadBytes  int64
	MaxImagePixels  int64
	ResultCacheTTL  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	LogLevel        string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	dataRoot := getEnv("DATA_ROOT", "./data")
	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DataRoot:    dataRoot,
		AssetDir:    getEnv("ASSET_DIR", "./assets"),
		ModelFile:   getEnv("MODEL_FILE", "eng.traineddata"),
		CaptureDir:  getEnv("CAPTURE_DIR", filepath.Join(dataRoot, "captures")),
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PickerRoots, err = parseRoots(os.Getenv("PICKER_ROOTS")); err != nil {
		return nil, err
	}
	if cfg.WorkerPoolSize, err = getEnvInt("WORKER_POOL_SIZE", 4); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTTL, err = getEnvDuration("SESSION_IDLE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ResultCacheTTL, err = getEnvDuration("RESULT_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	maxUpload, err := getEnvInt("MAX_UPLOAD_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	maxPixels, err := getEnvInt("MAX_IMAGE_PIXELS", 40_000_000)
	if err != nil {
		return nil, err
	}
	cfg.MaxImagePixels = int64(maxPixels)
	cfg.AllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.ModelFile == "" || strings.ContainsRune(c.ModelFile, os.PathSeparator) {
		return fmt.Errorf("MODEL_FILE must be a bare file name, got %q", c.ModelFile)
	}
	if filepath.Ext(c.ModelFile) != ".traineddata" {
		return fmt.Errorf("MODEL_FILE must end in .traineddata, got %q", c.ModelFile)
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("WORKER_POOL_SIZE must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be positive")
	}
	if _, ok := c.PickerRoots[CaptureAuthority]; ok {
		return fmt.Errorf("PICKER_ROOTS must not redefine the %q authority", CaptureAuthority)
	}
	return nil
}

// CaptureAuthority is the content URI authority of camera capture targets.
const CaptureAuthority = "captures"

// Language is the OCR language code implied by the model file name.
func (c *Config) Language() string {
	return strings.TrimSuffix(c.ModelFile, filepath.Ext(c.ModelFile))
}

// AuthEnabled reports whether bearer tokens are required.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// parseRoots parses "media=/srv/media,docs=/srv/docs".
func parseRoots(raw string) (map[string]string, error) {
	roots := make(map[string]string)
	for _, item := range splitList(raw) {
		authority, dir, ok := strings.Cut(item, "=")
		authority, dir = strings.TrimSpace(authority), strings.TrimSpace(dir)
		if !ok || authority == "" || dir == "" {
			return nil, fmt.Errorf("PICKER_ROOTS: malformed entry %q", item)
		}
		roots[authority] = dir
	}
	return roots, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
