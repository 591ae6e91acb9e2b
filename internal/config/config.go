package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MemoryDB selects the in-memory store instead of Postgres
const MemoryDB = "memory"

// Config holds application configuration
type Config struct {
	Port                string `yaml:"port"`
	DBConn              string `yaml:"db_conn"`
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
	LogFile             string `yaml:"log_file"`
	JWTSecret           string `yaml:"jwt_secret"`
	EncryptionKey       string `yaml:"encryption_key"`
	ExpirySweepSchedule string `yaml:"expiry_sweep_schedule"`
	SweepBatchSize      int    `yaml:"sweep_batch_size"`
	TransferMaxAttempts int    `yaml:"transfer_max_attempts"`
	SMTPHost            string `yaml:"smtp_host"`
	SMTPPort            string `yaml:"smtp_port"`
	SMTPUsername        string `yaml:"smtp_username"`
	SMTPPassword        string `yaml:"smtp_password"`
	SenderEmail         string `yaml:"sender_email"`
}

func defaults() *Config {
	return &Config{
		Port:                "8080",
		DBConn:              "host=localhost port=5436 user=test password=test dbname=bank sslmode=disable",
		LogLevel:            "INFO",
		LogFormat:           "json",
		ExpirySweepSchedule: "0 1 * * *",
		SweepBatchSize:      500,
		TransferMaxAttempts: 3,
		SMTPPort:            "587",
	}
}

// NewConfig loads configuration from an optional YAML file named by
// CONFIG_FILE, then from environment variables, which take precedence.
func NewConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBConn = getEnv("DB_CONN", cfg.DBConn)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.ExpirySweepSchedule = getEnv("EXPIRY_SWEEP_SCHEDULE", cfg.ExpirySweepSchedule)
	cfg.SMTPHost = getEnv("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = getEnv("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SenderEmail = getEnv("SENDER_EMAIL", cfg.SenderEmail)

	var err error
	if cfg.SweepBatchSize, err = getEnvInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize); err != nil {
		return nil, err
	}
	if cfg.TransferMaxAttempts, err = getEnvInt("TRANSFER_MAX_ATTEMPTS", cfg.TransferMaxAttempts); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBConn == "" {
		return fmt.Errorf("DB_CONN is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.TransferMaxAttempts <= 0 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be positive, got %d", c.TransferMaxAttempts)
	}
	return nil
}

// EncryptionKeyBytes decodes the hex encryption key
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 16, 24 or 32 bytes, got %d", len(key))
	}
}

// SMTPEnabled reports whether e-mail notifications can be sent
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SenderEmail != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
