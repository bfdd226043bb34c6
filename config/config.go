package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings of the escrow service.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseDSN string

	// Deal lifecycle
	DealExpiryWindow time.Duration
	ReaperInterval   time.Duration
	ReaperBatchSize  int

	// Settlement executor
	SettlementMaxAttempts int
	SettlementBackoff     time.Duration
	SettlementMaxWait     time.Duration

	// Ledger
	LedgerBackend string // evm | stellar

	EVMRPCURL        string
	EVMChainID       int64
	WalletMnemonic   string
	WalletPassphrase string
	WalletIndex      int
	WalletPrivateKey string

	StellarHorizonURL        string
	StellarNetworkPassphrase string
	StellarSecretSeed        string

	// Cross-process account lock; empty address keeps the lock in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// Operator alerts
	KafkaBrokers    []string
	KafkaAlertTopic string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	// a missing .env is fine, the environment may be set by the supervisor
	_ = godotenv.Load()

	return &Config{
		Env:      getEnv("APP_ENV", "local"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseDSN: getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=escrow port=5432 sslmode=disable"),

		DealExpiryWindow: getEnvAsDuration("DEAL_EXPIRY_WINDOW", 2*time.Minute),
		ReaperInterval:   getEnvAsDuration("REAPER_INTERVAL", 30*time.Second),
		ReaperBatchSize:  getEnvAsInt("REAPER_BATCH_SIZE", 100),

		SettlementMaxAttempts: getEnvAsInt("SETTLEMENT_MAX_ATTEMPTS", 3),
		SettlementBackoff:     getEnvAsDuration("SETTLEMENT_BACKOFF", 2*time.Second),
		SettlementMaxWait:     getEnvAsDuration("SETTLEMENT_MAX_WAIT", 120*time.Second),

		LedgerBackend: getEnv("LEDGER_BACKEND", "evm"),

		EVMRPCURL:        getEnv("EVM_RPC_URL", "http://localhost:8545"),
		EVMChainID:       int64(getEnvAsInt("EVM_CHAIN_ID", 1)),
		WalletMnemonic:   getEnv("WALLET_MNEMONIC", ""),
		WalletPassphrase: getEnv("WALLET_PASSPHRASE", ""),
		WalletIndex:      getEnvAsInt("WALLET_INDEX", 0),
		WalletPrivateKey: getEnv("WALLET_PRIVATE_KEY", ""),

		StellarHorizonURL:        getEnv("STELLAR_HORIZON_URL", "https://horizon.stellar.org"),
		StellarNetworkPassphrase: getEnv("STELLAR_NETWORK_PASSPHRASE", "Public Global Stellar Network ; September 2015"),
		StellarSecretSeed:        getEnv("STELLAR_SECRET_SEED", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		LockTTL:       getEnvAsDuration("LOCK_TTL", 30*time.Second),

		KafkaBrokers:    getEnvAsSlice("KAFKA_BROKERS", nil, ","),
		KafkaAlertTopic: getEnv("KAFKA_ALERT_TOPIC", "escrow-alerts"),
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultVal
	}
	parts := strings.Split(valStr, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
