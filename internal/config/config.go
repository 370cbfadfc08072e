// Package config provides configuration management for the agency platform.
//
// Configuration is loaded from environment variables (.env file) with
// sensible defaults for every option the system recognizes. There is no
// settings database in this system — all tuning knobs are process
// configuration, consistent with spec.md §6's explicit requirement that
// fraud thresholds and scheduling intervals be configuration, not literals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the full configuration surface recognized by the system.
type Config struct {
	DataDir  string // base directory for the durable store
	LogLevel string // debug, info, warn, error
	DevMode  bool
	Port     int // admin HTTP port

	DefaultCurrency string

	// Dispatcher / queue tuning (spec.md §6).
	QueueRebalanceInterval time.Duration
	AssignmentTimeout      time.Duration
	HeartbeatStaleness     time.Duration
	CompatibilityFloor     float64
	QueueHighWater         int
	WorkerCapacityDefault  int

	// WorkerErrorRateThreshold is the rolling error-rate fraction above
	// which a worker is taken out of rotation (spec.md §7). Only enforced
	// once a worker has completed WorkerErrorRateMinSamples tasks, so a
	// single early failure doesn't sideline a brand-new worker.
	WorkerErrorRateThreshold  float64
	WorkerErrorRateMinSamples int

	// Transaction processor tuning (spec.md §6).
	MaxSingleTxn decimal.Decimal
	MaxDailyTxn  decimal.Decimal
	MinTxnAmount decimal.Decimal
	MaxTxnAmount decimal.Decimal

	// Fraud screen rule weights (spec.md §4.8 — "configuration, not literals").
	Fraud FraudConfig

	// TransferCompensation enables the automatic compensating credit when a
	// transfer's credit leg fails after its debit leg posted (spec.md §9
	// Open Question — "implement explicit compensating credit as the
	// default and expose a configuration knob").
	TransferCompensation bool

	// Optional S3-compatible cloud backup of the durable store, mirroring
	// the teacher's R2 backup service.
	Backup BackupConfig
}

// FraudConfig holds the per-rule weights and thresholds for the fraud
// screen (spec.md §4.3 step 3).
type FraudConfig struct {
	LargeAmountScore      int
	DailyTotalScore       int
	RapidSuccessionScore  int
	RapidSuccessionCount  int
	RapidSuccessionWindow time.Duration
	RoundAmountScore      int
	RoundAmountThreshold  decimal.Decimal
	UnusualTimeScore      int
	UnusualTimeStartHour  int
	UnusualTimeEndHour    int
	HighRiskThreshold     int
	MediumRiskThreshold   int
}

// BackupConfig configures periodic cloud backup of the durable store.
type BackupConfig struct {
	Enabled  bool
	Bucket   string
	Prefix   string
	Interval time.Duration
}

// Load reads configuration from environment variables, applying the
// defaults enumerated in spec.md §6.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("AGENCY_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		Port:            getEnvAsInt("AGENCY_PORT", 8090),
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "USD"),

		QueueRebalanceInterval: getEnvAsDuration("QUEUE_REBALANCE_INTERVAL", 5*time.Minute),
		AssignmentTimeout:      getEnvAsDuration("ASSIGNMENT_TIMEOUT", 60*time.Second),
		HeartbeatStaleness:     getEnvAsDuration("HEARTBEAT_STALENESS", 10*time.Minute),
		CompatibilityFloor:     getEnvAsFloat("COMPATIBILITY_FLOOR", 0.35),
		QueueHighWater:         getEnvAsInt("QUEUE_HIGH_WATER", 1000),
		WorkerCapacityDefault:  getEnvAsInt("WORKER_CAPACITY_DEFAULT", 3),

		WorkerErrorRateThreshold:  getEnvAsFloat("WORKER_ERROR_RATE_THRESHOLD", 0.5),
		WorkerErrorRateMinSamples: getEnvAsInt("WORKER_ERROR_RATE_MIN_SAMPLES", 5),

		MaxSingleTxn: getEnvAsDecimal("MAX_SINGLE_TXN", "10000"),
		MaxDailyTxn:  getEnvAsDecimal("MAX_DAILY_TXN", "25000"),
		MinTxnAmount: getEnvAsDecimal("MIN_TXN_AMOUNT", "0.01"),
		MaxTxnAmount: getEnvAsDecimal("MAX_TXN_AMOUNT", "100000"),

		Fraud: FraudConfig{
			LargeAmountScore:      getEnvAsInt("FRAUD_LARGE_AMOUNT_SCORE", 30),
			DailyTotalScore:       getEnvAsInt("FRAUD_DAILY_TOTAL_SCORE", 25),
			RapidSuccessionScore:  getEnvAsInt("FRAUD_RAPID_SUCCESSION_SCORE", 20),
			RapidSuccessionCount:  getEnvAsInt("FRAUD_RAPID_SUCCESSION_COUNT", 5),
			RapidSuccessionWindow: getEnvAsDuration("FRAUD_RAPID_SUCCESSION_WINDOW", 5*time.Minute),
			RoundAmountScore:      getEnvAsInt("FRAUD_ROUND_AMOUNT_SCORE", 5),
			RoundAmountThreshold:  getEnvAsDecimal("FRAUD_ROUND_AMOUNT_THRESHOLD", "1000"),
			UnusualTimeScore:      getEnvAsInt("FRAUD_UNUSUAL_TIME_SCORE", 10),
			UnusualTimeStartHour:  getEnvAsInt("FRAUD_UNUSUAL_TIME_START_HOUR", 6),
			UnusualTimeEndHour:    getEnvAsInt("FRAUD_UNUSUAL_TIME_END_HOUR", 22),
			HighRiskThreshold:     getEnvAsInt("FRAUD_HIGH_RISK_THRESHOLD", 50),
			MediumRiskThreshold:   getEnvAsInt("FRAUD_MEDIUM_RISK_THRESHOLD", 25),
		},

		TransferCompensation: getEnvAsBool("TRANSFER_COMPENSATION", true),

		Backup: BackupConfig{
			Enabled:  getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:   getEnv("BACKUP_BUCKET", ""),
			Prefix:   getEnv("BACKUP_PREFIX", "agency-backups"),
			Interval: getEnvAsDuration("BACKUP_INTERVAL", 1*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if c.CompatibilityFloor < 0 || c.CompatibilityFloor > 1 {
		return fmt.Errorf("compatibility floor must be in [0,1], got %v", c.CompatibilityFloor)
	}
	if c.WorkerCapacityDefault <= 0 {
		return fmt.Errorf("worker capacity default must be positive, got %d", c.WorkerCapacityDefault)
	}
	if c.WorkerErrorRateThreshold < 0 || c.WorkerErrorRateThreshold > 1 {
		return fmt.Errorf("worker error rate threshold must be in [0,1], got %v", c.WorkerErrorRateThreshold)
	}
	if c.MinTxnAmount.GreaterThan(c.MaxTxnAmount) {
		return fmt.Errorf("min txn amount %s exceeds max txn amount %s", c.MinTxnAmount, c.MaxTxnAmount)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	value := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		d, _ = decimal.NewFromString(defaultValue)
	}
	return d
}
