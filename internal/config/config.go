// Package config handles application configuration.
package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// Encryption (at-rest encryption of upstream credentials / refund addresses)
	EncryptionKey []byte // 32-byte key for AES-256-GCM

	// CORS
	CORSOrigins []string

	// Pricing mode
	FixedPricing            bool    // true = flat per-request cost, false = model-based
	FixedCostPerRequestSats int64   // used when FixedPricing
	FixedPer1kInputSats     float64 // flat surcharge per 1k input tokens, fixed-pricing mode
	FixedPer1kOutputSats    float64 // flat surcharge per 1k output tokens, fixed-pricing mode
	MinRequestMsat          int64   // floor for every reservation
	TolerancePercentage     float64 // discount-heuristic tolerance, percent

	// Exchange-rate oracle (C1)
	ExchangeFee             float64       // multiplicative markup applied to the cached sats/USD rate
	ExchangeRefreshInterval time.Duration // default 60s
	ExchangeFetchTimeout    time.Duration // per-venue HTTP timeout

	// Model catalog (C2)
	CatalogRefreshInterval time.Duration // default 300s, ±10% jitter applied by the caller
	ModelBlocklist         []string      // centrally-curated excluded model ids

	// Cashu / ecash (C6)
	CashuMints   []string // mints considered "trusted" for refund routing
	PrimaryMint  string   // fallback mint for refunds when the source mint is untrusted
	ChildKeyCostMsat int64 // flat cost reserved+finalized when provisioning a sub-credential

	// Shutdown
	DrainTimeout time.Duration // bounded wait for in-flight proxy requests on shutdown
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:proxy.db?_journal=WAL&_timeout=5000"),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),

		FixedPricing:            getEnvBool("FIXED_PRICING", false),
		FixedCostPerRequestSats: int64(getEnvInt("FIXED_COST_PER_REQUEST_SATS", 1)),
		FixedPer1kInputSats:     getEnvFloat("FIXED_PER_1K_INPUT_SATS", 0),
		FixedPer1kOutputSats:    getEnvFloat("FIXED_PER_1K_OUTPUT_SATS", 0),
		MinRequestMsat:          int64(getEnvInt("MIN_REQUEST_MSAT", 1)),
		TolerancePercentage:     getEnvFloat("TOLERANCE_PERCENTAGE", 5.0),

		ExchangeFee:             getEnvFloat("EXCHANGE_FEE", 1.005),
		ExchangeRefreshInterval: getEnvDuration("EXCHANGE_REFRESH_INTERVAL", 60*time.Second),
		ExchangeFetchTimeout:    getEnvDuration("EXCHANGE_FETCH_TIMEOUT", 5*time.Second),

		CatalogRefreshInterval: getEnvDuration("CATALOG_REFRESH_INTERVAL", 300*time.Second),
		ModelBlocklist:         getEnvSlice("MODEL_BLOCKLIST", nil),

		CashuMints:       getEnvSlice("CASHU_MINTS", []string{"https://mint.minibits.cash/Bitcoin"}),
		PrimaryMint:      getEnv("PRIMARY_MINT", "https://mint.minibits.cash/Bitcoin"),
		ChildKeyCostMsat: int64(getEnvInt("CHILD_KEY_COST_MSAT", 1000)),

		DrainTimeout: getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),
	}

	// Set up encryption key (derive from a configured secret if not explicitly set)
	encKeyStr := getEnv("ENCRYPTION_KEY", "")
	if encKeyStr != "" {
		decoded, err := base64.StdEncoding.DecodeString(encKeyStr)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be a base64-encoded 32-byte key")
		}
		cfg.EncryptionKey = decoded
	} else {
		secret := getEnv("ENCRYPTION_SECRET", "")
		if secret == "" {
			secret = generateRandomSecret(32)
		}
		cfg.EncryptionKey = deriveEncryptionKey(secret)
	}

	return cfg, nil
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "proxy-secret-change-me-" + base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%d", length)))
	}
	return base64.URLEncoding.EncodeToString(bytes)
}

// deriveEncryptionKey creates a 32-byte AES-256 key from a secret string using HKDF.
func deriveEncryptionKey(secret string) []byte {
	salt := []byte("proxyd-encryption-key-v1")
	info := []byte("aes-256-gcm-encryption")

	hkdfReader := hkdf.New(sha256.New, []byte(secret), salt, info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		panic("hkdf: failed to derive key: " + err.Error())
	}

	return key
}
