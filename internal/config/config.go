// Package config centralizes how the service reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the server, the worker and the CLI.
type Config struct {
	Address   string
	PublicURL string
	LogLevel  slog.Level
	LogFormat string

	// MachineKey salts revision keys. It must stay the same across restarts,
	// otherwise every open edit session is treated as stale.
	MachineKey    string
	SigningSecret []byte
	SignedURLTTL  time.Duration
	AuthSecret    []byte

	EditorURL       string
	EditorJWTSecret []byte
	EditorJWTHeader string
	EditorTimeout   time.Duration
	EditorRetries   int

	MaxFileSize      int64
	ChunkSize        int64
	UploadSessionTTL time.Duration
	EditingTTL       time.Duration
	JanitorInterval  time.Duration
	SubmitKeyCache   int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	S3Bucket    string

	SMTPAddr     string
	SMTPFrom     string
	SMTPUser     string
	SMTPPassword string

	ProcessingPool int
}

const (
	defaultAddress       = ":8080"
	defaultPublicURL     = "http://localhost:8080"
	defaultMachineKey    = "docsync-dev-machine-key"
	defaultMaxFileSize   = 100 << 20 // 100 MiB
	defaultChunkSize     = 10 << 20  // 10 MiB
	defaultSignedTTL     = 5 * time.Minute
	defaultSessionTTL    = 12 * time.Hour
	defaultEditingTTL    = 10 * time.Minute
	defaultJanitor       = time.Minute
	defaultEditorTimeout = 30 * time.Second
	defaultEditorRetries = 3
	defaultJWTHeader     = "Authorization"
	defaultWorkerCount   = 2
	defaultSubmitCache   = 4096
	defaultBucket        = "docsync"
)

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          readEnv("DOCSYNC_ADDRESS", defaultAddress),
		PublicURL:        strings.TrimRight(readEnv("DOCSYNC_PUBLIC_URL", defaultPublicURL), "/"),
		LogFormat:        readEnv("DOCSYNC_LOG_FORMAT", "text"),
		MachineKey:       readEnv("DOCSYNC_MACHINE_KEY", defaultMachineKey),
		SigningSecret:    parseSecret("DOCSYNC_SIGNING_SECRET"),
		SignedURLTTL:     parseDuration("DOCSYNC_SIGNED_TTL", defaultSignedTTL),
		AuthSecret:       parseSecret("DOCSYNC_AUTH_SECRET"),
		EditorURL:        strings.TrimRight(readEnv("DOCSYNC_EDITOR_URL", ""), "/"),
		EditorJWTSecret:  parseSecret("DOCSYNC_EDITOR_JWT_SECRET"),
		EditorJWTHeader:  readEnv("DOCSYNC_EDITOR_JWT_HEADER", defaultJWTHeader),
		EditorTimeout:    parseDuration("DOCSYNC_EDITOR_TIMEOUT", defaultEditorTimeout),
		EditorRetries:    parseInt("DOCSYNC_EDITOR_RETRIES", defaultEditorRetries),
		MaxFileSize:      parseInt64("DOCSYNC_MAX_FILE_BYTES", defaultMaxFileSize),
		ChunkSize:        parseInt64("DOCSYNC_CHUNK_BYTES", defaultChunkSize),
		UploadSessionTTL: parseDuration("DOCSYNC_UPLOAD_SESSION_TTL", defaultSessionTTL),
		EditingTTL:       parseDuration("DOCSYNC_EDITING_TTL", defaultEditingTTL),
		JanitorInterval:  parseDuration("DOCSYNC_JANITOR_INTERVAL", defaultJanitor),
		SubmitKeyCache:   parseInt("DOCSYNC_SUBMIT_KEY_CACHE", defaultSubmitCache),
		DatabaseURL:      readEnv("DOCSYNC_DATABASE_URL", ""),
		RedisAddr:        readEnv("DOCSYNC_REDIS_ADDR", ""),
		RedisPassword:    readEnv("DOCSYNC_REDIS_PASSWORD", ""),
		RedisDB:          parseInt("DOCSYNC_REDIS_DB", 0),
		S3Endpoint:       readEnv("DOCSYNC_S3_ENDPOINT", ""),
		S3AccessKey:      readEnv("DOCSYNC_S3_ACCESS_KEY", ""),
		S3SecretKey:      readEnv("DOCSYNC_S3_SECRET_KEY", ""),
		S3Region:         readEnv("DOCSYNC_S3_REGION", "us-east-1"),
		S3UseSSL:         parseBool("DOCSYNC_S3_USE_SSL", false),
		S3Bucket:         readEnv("DOCSYNC_S3_BUCKET", defaultBucket),
		SMTPAddr:         readEnv("DOCSYNC_SMTP_ADDR", ""),
		SMTPFrom:         readEnv("DOCSYNC_SMTP_FROM", ""),
		SMTPUser:         readEnv("DOCSYNC_SMTP_USER", ""),
		SMTPPassword:     readEnv("DOCSYNC_SMTP_PASSWORD", ""),
		ProcessingPool:   parseInt("DOCSYNC_WORKERS", defaultWorkerCount),
	}

	level, err := parseLevel(readEnv("DOCSYNC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("DOCSYNC_LOG_FORMAT: unsupported value %q, expected text or json", cfg.LogFormat)
	}

	if cfg.SigningSecret == nil {
		// Signed download URLs only need to survive for SignedURLTTL, so a
		// per-process secret is acceptable.
		cfg.SigningSecret = randomSecret()
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if cfg.UploadSessionTTL <= 0 {
		cfg.UploadSessionTTL = defaultSessionTTL
	}
	if cfg.EditingTTL <= 0 {
		cfg.EditingTTL = defaultEditingTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitor
	}
	if cfg.EditorRetries < 0 {
		cfg.EditorRetries = 0
	}
	if cfg.SubmitKeyCache <= 0 {
		cfg.SubmitKeyCache = defaultSubmitCache
	}
	if cfg.MachineKey == "" {
		return nil, fmt.Errorf("DOCSYNC_MACHINE_KEY: must not be empty")
	}
	return cfg, nil
}

// SetupLogger builds the process logger from the configuration and installs
// it as the slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	// Invalid input falls back to the default rather than failing startup.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("DOCSYNC_LOG_LEVEL: unsupported value %q", s)
	}
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
