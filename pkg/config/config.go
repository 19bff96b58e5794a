// Package config loads the gateway's runtime configuration from the
// environment, following the recognized options in the system spec.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the payment gateway service.
type Config struct {
	// Server configuration
	ListenAddr  string
	MetricsAddr string

	// Database configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Redis (work queue broker) configuration
	QueueURL             string
	QueueMaxRetries      int
	QueueRetryDelayMs    int
	QueueUseBackoff      bool
	QueueHealthCheckMs   int
	QueueStoreFailedMsgs bool

	// Chain configuration
	ChainRPCURLs       []string
	ChainWSURLs        []string
	ChainConfirmations int
	ChainGasPriceWei   string
	ChainGasLimit      uint64
	ChainTokenContract string
	ChainID            int64

	// HD wallet / address configuration
	WalletMnemonic        string
	WalletHDBasePath      string
	WalletAddressLifetime time.Duration
	WalletHotThreshold    string
	WalletColdAddress     string
	WalletGasReserveWei   string

	// Payment tolerance configuration
	UnderpaymentTolerancePct float64
	OverpaymentTolerancePct  float64

	// Security configuration
	EncryptionKeyHex string
	WebhookSecret    string
	APIKeySaltRounds int
	JWTSecret        string

	// Webhook configuration
	WebhookMaxRetries   int
	WebhookRetryDelayMs int

	// Settlement configuration
	SettlementInterval time.Duration
	ColdSweepInterval  time.Duration
	GasPriceMultiplier float64

	LogLevel string
}

// Load reads configuration from environment variables, applying the
// defaults documented in the system spec's Configuration section.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		QueueURL:             getEnv("QUEUE_URL", "redis://localhost:6379/0"),
		QueueMaxRetries:      getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryDelayMs:    getEnvInt("QUEUE_RETRY_DELAY_MS", 60000),
		QueueUseBackoff:      getEnvBool("QUEUE_USE_BACKOFF", true),
		QueueHealthCheckMs:   getEnvInt("QUEUE_HEALTH_CHECK_MS", 30000),
		QueueStoreFailedMsgs: getEnvBool("QUEUE_STORE_FAILED_MESSAGES", true),

		ChainRPCURLs:       splitNonEmpty(getEnv("CHAIN_RPC_URLS", "")),
		ChainWSURLs:        splitNonEmpty(getEnv("CHAIN_WS_URLS", "")),
		ChainConfirmations: getEnvInt("CHAIN_CONFIRMATIONS", 6),
		ChainGasPriceWei:   getEnv("CHAIN_GAS_PRICE", "5000000000"),
		ChainGasLimit:      uint64(getEnvInt("CHAIN_GAS_LIMIT", 100000)),
		ChainTokenContract: getEnv("CHAIN_TOKEN_CONTRACT", ""),
		ChainID:            int64(getEnvInt("CHAIN_ID", 56)), // BSC mainnet; set CHAIN_ID=97 for testnet

		WalletMnemonic:        getEnv("WALLET_MNEMONIC", ""),
		WalletHDBasePath:      getEnv("WALLET_HD_BASE_PATH", "m/44'/60'/0'/0"),
		WalletAddressLifetime: getEnvDuration("WALLET_ADDRESS_LIFETIME", time.Hour),
		WalletHotThreshold:    getEnv("WALLET_HOT_THRESHOLD", "1000"),
		WalletColdAddress:     getEnv("WALLET_COLD_ADDRESS", ""),
		WalletGasReserveWei:   getEnv("WALLET_GAS_RESERVE_WEI", "20000000000000000"),

		UnderpaymentTolerancePct: getEnvFloat("PAYMENT_UNDERPAYMENT_TOLERANCE_PCT", 1.0),
		OverpaymentTolerancePct:  getEnvFloat("PAYMENT_OVERPAYMENT_TOLERANCE_PCT", 0.5),

		EncryptionKeyHex: getEnv("SECURITY_ENCRYPTION_KEY", ""),
		WebhookSecret:    getEnv("SECURITY_WEBHOOK_SECRET", ""),
		APIKeySaltRounds: getEnvInt("SECURITY_API_KEY_SALT_ROUNDS", 10),
		JWTSecret:        getEnv("JWT_SECRET", ""),

		WebhookMaxRetries:   getEnvInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryDelayMs: getEnvInt("WEBHOOK_RETRY_DELAY_MS", 15000),

		SettlementInterval: getEnvDuration("SETTLEMENT_INTERVAL", 5*time.Minute),
		ColdSweepInterval:  getEnvDuration("SETTLEMENT_COLD_SWEEP_INTERVAL", 15*time.Minute),
		GasPriceMultiplier: getEnvFloat("CHAIN_GAS_PRICE_MULTIPLIER", 1.2),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that configuration required to run the live service is
// present. Call after Load() and before starting any component.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if len(c.ChainRPCURLs) == 0 {
		problems = append(problems, "CHAIN_RPC_URLS must list at least one endpoint")
	}
	if c.ChainTokenContract == "" {
		problems = append(problems, "CHAIN_TOKEN_CONTRACT is required")
	}
	if c.WalletMnemonic == "" {
		problems = append(problems, "WALLET_MNEMONIC is required")
	}
	if len(c.EncryptionKeyHex) != 64 {
		problems = append(problems, "SECURITY_ENCRYPTION_KEY must be 32 bytes hex-encoded (64 hex chars)")
	}
	if c.WalletColdAddress == "" {
		problems = append(problems, "WALLET_COLD_ADDRESS is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
