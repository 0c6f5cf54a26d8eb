package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (if path is non-empty),
// merges it on top of the built-in defaults, applies PROPHECY_* environment
// variable overrides, and returns the final Config. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads PROPHECY_* environment variables and overwrites
// the corresponding Config fields when a variable is set and non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PROPHECY_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setDuration(&cfg.Server.RequestTimeout, "PROPHECY_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PROPHECY_SERVER_SHUTDOWN_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.Owner, "PROPHECY_LEDGER_OWNER")
	setStr(&cfg.Ledger.EngineAddress, "PROPHECY_LEDGER_ENGINE_ADDRESS")
	setInt(&cfg.Ledger.ProtocolID, "PROPHECY_LEDGER_PROTOCOL_ID")
	setDuration(&cfg.Ledger.SignatureMaxSkew, "PROPHECY_LEDGER_SIGNATURE_MAX_SKEW")

	// ── Coprocessor ──
	setStr(&cfg.Coprocessor.VerifierKey, "PROPHECY_COPROCESSOR_VERIFIER_KEY")
	setInt(&cfg.Coprocessor.ChainID, "PROPHECY_COPROCESSOR_CHAIN_ID")
	setBool(&cfg.Coprocessor.AllowEphemeral, "PROPHECY_COPROCESSOR_ALLOW_EPHEMERAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PROPHECY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.MaxConns, "PROPHECY_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PROPHECY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PROPHECY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROPHECY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROPHECY_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "PROPHECY_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.EventsStream, "PROPHECY_REDIS_EVENTS_STREAM")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PROPHECY_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
