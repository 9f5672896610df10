package config

import (
	"os"
	"strconv"
	"time"
)

// LedgerConfig holds the tunable money parameters. Deposit conversion and
// consultation pricing are independent knobs, not reciprocals of each other.
type LedgerConfig struct {
	// DepositRate is coins credited per naira deposited (default: 100 naira
	// buys 1 coin).
	DepositRate          float64
	DefaultConsultFee    int64 // coins, used when a scholar has not set a fee
	ExtensionCost        int64 // coins per session extension
	ExtensionDuration    time.Duration
	MinWithdrawal        int64 // coins
	QRCodeTTL            time.Duration
	NotificationQueueKey string
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		DepositRate:          getEnvAsFloat("LEDGER_DEPOSIT_RATE", 0.01),
		DefaultConsultFee:    getEnvAsInt64("LEDGER_DEFAULT_CONSULT_FEE", 30),
		ExtensionCost:        getEnvAsInt64("LEDGER_EXTENSION_COST", 5),
		ExtensionDuration:    getEnvAsDuration("LEDGER_EXTENSION_DURATION", 15*time.Minute),
		MinWithdrawal:        getEnvAsInt64("LEDGER_MIN_WITHDRAWAL", 10),
		QRCodeTTL:            getEnvAsDuration("LEDGER_QR_TTL", 5*time.Minute),
		NotificationQueueKey: getEnv("LEDGER_NOTIFICATION_QUEUE", "notification_queue"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
