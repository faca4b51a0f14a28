// Package config loads daemon settings from the environment and
// governance profiles from YAML. Environment covers deployment wiring
// (storage, redis, telemetry); profiles cover the risk posture the swarm
// runs under.
package config

import "os"

// Config holds daemon configuration.
type Config struct {
	Port         string
	LogLevel     string
	LedgerDriver string // "sqlite", "postgres" or "memory"
	LedgerPath   string // sqlite file path
	DatabaseURL  string // postgres DSN
	RedisAddr    string // empty disables the shared dedup store
	ProfileDir   string
	Profile      string
	OTLPEndpoint string
	DryRun       bool // mock exchange instead of a live connector
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("LEDGER_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	ledgerPath := os.Getenv("LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = "concord-ledger.db"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://concord@localhost:5432/concord?sslmode=disable"
	}

	profileDir := os.Getenv("PROFILE_DIR")
	if profileDir == "" {
		profileDir = "profiles"
	}

	profile := os.Getenv("PROFILE")
	if profile == "" {
		profile = "default"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		LedgerDriver: driver,
		LedgerPath:   ledgerPath,
		DatabaseURL:  dbURL,
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		ProfileDir:   profileDir,
		Profile:      profile,
		OTLPEndpoint: otlp,
		DryRun:       os.Getenv("DRY_RUN") == "true",
	}
}
