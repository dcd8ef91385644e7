package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

const defaultSubject = "mailto:admin@edupay.app"

type Config struct {
	HTTPPort     string
	HTTPSPort    string
	Domain       string
	HTTPOnly     bool
	FrontendURI  string
	DatabasePath string
	LogLevel     string
	LogFile      string
	Debug        bool
	JWTSecret    string
	VAPIDKeys    *VAPIDKeys
	Push         PushConfig
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// PushConfig tunes the fan-out sender and the webpush transport.
type PushConfig struct {
	Workers         int
	MaxAttempts     int
	BaseBackoff     time.Duration
	SendTimeout     time.Duration
	EndpointTimeout time.Duration
	TTL             int
	Urgency         string
}

// Overrides are command-line values; they win over config.json and env.
type Overrides struct {
	// Dir holds config.json, keys/ and the default database. Defaults to the
	// directory of the executable.
	Dir         string
	HTTPOnly    *bool
	FrontendURI *string
}

// fileConfig is the on-disk shape of config.json. Secrets never go there.
type fileConfig struct {
	HTTPPort     string          `json:"http_port"`
	HTTPSPort    string          `json:"https_port"`
	Domain       string          `json:"domain"`
	HTTPOnly     bool            `json:"http_only"`
	FrontendURI  string          `json:"frontend_uri"`
	DatabasePath string          `json:"database_path"`
	LogLevel     string          `json:"log_level"`
	LogFile      string          `json:"log_file"`
	Debug        bool            `json:"debug"`
	Push         *filePushConfig `json:"push,omitempty"`
}

type filePushConfig struct {
	Workers           int    `json:"workers"`
	MaxAttempts       int    `json:"max_attempts"`
	BaseBackoffMs     int    `json:"base_backoff_ms"`
	SendTimeoutSec    int    `json:"send_timeout_sec"`
	EndpointTimeoutMs int    `json:"endpoint_timeout_ms"`
	TTL               int    `json:"ttl"`
	Urgency           string `json:"urgency"`
}

func defaultPushConfig() PushConfig {
	return PushConfig{
		Workers:         8,
		MaxAttempts:     3,
		BaseBackoff:     500 * time.Millisecond,
		SendTimeout:     60 * time.Second,
		EndpointTimeout: 10 * time.Second,
		TTL:             86400,
		Urgency:         string(webpush.UrgencyHigh),
	}
}

// Load builds the configuration: defaults, then config.json, then
// environment, then overrides. The JWT secret and VAPID keys come from env or
// from the keys directory and are generated on first start.
func Load(o Overrides, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := o.Dir
	if dir == "" {
		dir = executableDir()
	}

	cfg := &Config{
		HTTPPort:     "8080",
		HTTPSPort:    "8443",
		Domain:       "localhost",
		DatabasePath: filepath.Join(dir, "edupay.db"),
		LogLevel:     "info",
		Push:         defaultPushConfig(),
	}

	fc, err := loadConfigFromJSON(filepath.Join(dir, "config.json"))
	switch {
	case err == nil:
		logger.Info("custom configuration loaded from config.json")
		fc.applyTo(cfg)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(cfg)

	if o.HTTPOnly != nil && *o.HTTPOnly {
		cfg.HTTPOnly = true
	}
	if o.FrontendURI != nil && *o.FrontendURI != "" {
		cfg.FrontendURI = *o.FrontendURI
	}

	keysDir := filepath.Join(dir, "keys")
	if cfg.JWTSecret, err = loadOrGenerateJWTSecret(keysDir, logger); err != nil {
		return nil, err
	}
	if cfg.VAPIDKeys, err = loadVAPIDKeys(keysDir, logger); err != nil {
		return nil, err
	}

	if cfg.Push.Urgency == "" {
		cfg.Push.Urgency = string(webpush.UrgencyHigh)
	}
	return cfg, nil
}

// SaveConfigToJSON writes the non-secret part of cfg to dir/config.json.
func SaveConfigToJSON(dir string, cfg *Config) error {
	fc := fileConfig{
		HTTPPort:     cfg.HTTPPort,
		HTTPSPort:    cfg.HTTPSPort,
		Domain:       cfg.Domain,
		HTTPOnly:     cfg.HTTPOnly,
		FrontendURI:  cfg.FrontendURI,
		DatabasePath: cfg.DatabasePath,
		LogLevel:     cfg.LogLevel,
		LogFile:      cfg.LogFile,
		Debug:        cfg.Debug,
		Push: &filePushConfig{
			Workers:           cfg.Push.Workers,
			MaxAttempts:       cfg.Push.MaxAttempts,
			BaseBackoffMs:     int(cfg.Push.BaseBackoff / time.Millisecond),
			SendTimeoutSec:    int(cfg.Push.SendTimeout / time.Second),
			EndpointTimeoutMs: int(cfg.Push.EndpointTimeout / time.Millisecond),
			TTL:               cfg.Push.TTL,
			Urgency:           cfg.Push.Urgency,
		},
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}
	return nil
}

func loadConfigFromJSON(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func (fc *fileConfig) applyTo(cfg *Config) {
	setIf(&cfg.HTTPPort, fc.HTTPPort)
	setIf(&cfg.HTTPSPort, fc.HTTPSPort)
	setIf(&cfg.Domain, fc.Domain)
	setIf(&cfg.FrontendURI, fc.FrontendURI)
	setIf(&cfg.DatabasePath, fc.DatabasePath)
	setIf(&cfg.LogLevel, fc.LogLevel)
	setIf(&cfg.LogFile, fc.LogFile)
	cfg.HTTPOnly = fc.HTTPOnly
	cfg.Debug = fc.Debug

	if p := fc.Push; p != nil {
		if p.Workers > 0 {
			cfg.Push.Workers = p.Workers
		}
		if p.MaxAttempts > 0 {
			cfg.Push.MaxAttempts = p.MaxAttempts
		}
		if p.BaseBackoffMs > 0 {
			cfg.Push.BaseBackoff = time.Duration(p.BaseBackoffMs) * time.Millisecond
		}
		if p.SendTimeoutSec > 0 {
			cfg.Push.SendTimeout = time.Duration(p.SendTimeoutSec) * time.Second
		}
		if p.EndpointTimeoutMs > 0 {
			cfg.Push.EndpointTimeout = time.Duration(p.EndpointTimeoutMs) * time.Millisecond
		}
		if p.TTL > 0 {
			cfg.Push.TTL = p.TTL
		}
		setIf(&cfg.Push.Urgency, p.Urgency)
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.HTTPSPort = getEnv("HTTPS_PORT", cfg.HTTPSPort)
	cfg.Domain = getEnv("DOMAIN", cfg.Domain)
	cfg.FrontendURI = getEnv("FRONTEND_URI", cfg.FrontendURI)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)

	cfg.Push.Workers = getEnvInt("PUSH_WORKERS", cfg.Push.Workers)
	cfg.Push.MaxAttempts = getEnvInt("PUSH_MAX_ATTEMPTS", cfg.Push.MaxAttempts)
	cfg.Push.BaseBackoff = getEnvDuration("PUSH_BASE_BACKOFF", cfg.Push.BaseBackoff)
	cfg.Push.SendTimeout = getEnvDuration("PUSH_SEND_TIMEOUT", cfg.Push.SendTimeout)
	cfg.Push.EndpointTimeout = getEnvDuration("PUSH_ENDPOINT_TIMEOUT", cfg.Push.EndpointTimeout)
	cfg.Push.TTL = getEnvInt("PUSH_TTL", cfg.Push.TTL)
	cfg.Push.Urgency = getEnv("PUSH_URGENCY", cfg.Push.Urgency)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func loadOrGenerateJWTSecret(keysDir string, logger *slog.Logger) (string, error) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret, nil
	}

	secretFile := filepath.Join(keysDir, "jwt-secret.key")
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	secret := base64.URLEncoding.EncodeToString(buf)

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create keys directory: %w", err)
	}
	if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
		logger.Warn("failed to save JWT secret, it will be regenerated on restart unless JWT_SECRET is set", "error", err)
	} else {
		logger.Info("JWT secret generated", "path", secretFile)
	}
	return secret, nil
}

func loadVAPIDKeys(keysDir string, logger *slog.Logger) (*VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", defaultSubject)

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
	}

	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	publicData, pubErr := os.ReadFile(publicKeyFile)
	privateData, privErr := os.ReadFile(privateKeyFile)
	if pubErr == nil && privErr == nil {
		publicKey = strings.TrimSpace(string(publicData))
		privateKey = strings.TrimSpace(string(privateData))
		if validVAPIDPair(publicKey, privateKey) {
			if data, err := os.ReadFile(subjectFile); err == nil && strings.TrimSpace(string(data)) != "" {
				subject = strings.TrimSpace(string(data))
			}
			return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
		}
		// Keys in any other format (old PKCS#8 dumps, truncated files) are replaced.
		logger.Warn("stored VAPID keys are not raw P-256 keys, regenerating", "dir", keysDir)
	}

	// GenerateVAPIDKeys returns the private key first.
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to generate VAPID keys: %w", err)
	}

	if err := saveVAPIDKeys(keysDir, publicKey, privateKey, subject); err != nil {
		logger.Warn("failed to save VAPID keys, they will be regenerated on restart", "error", err)
	} else {
		logger.Info("VAPID keys generated", "dir", keysDir)
	}
	return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}, nil
}

// validVAPIDPair checks the raw formats webpush-go expects: a 65-byte
// uncompressed public point and a 32-byte private scalar, base64url.
func validVAPIDPair(publicKey, privateKey string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return false
	}
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	return err == nil && len(priv) == 32
}

func saveVAPIDKeys(keysDir, publicKey, privateKey, subject string) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	for name, value := range map[string]string{
		"vapid-public.key":  publicKey,
		"vapid-private.key": privateKey,
		"vapid-subject.key": subject,
	} {
		if err := os.WriteFile(filepath.Join(keysDir, name), []byte(value), 0600); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL values to slog levels; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
