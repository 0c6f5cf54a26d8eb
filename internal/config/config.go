// Package config loads the prophecy engine configuration from a TOML file,
// an optional .env file and PROPHECY_* environment variables.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Coprocessor CoprocessorConfig `toml:"coprocessor"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	LogLevel    string            `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// LedgerConfig identifies the engine and its owner.
type LedgerConfig struct {
	Owner            string   `toml:"owner"`
	EngineAddress    string   `toml:"engine_address"`
	ProtocolID       int      `toml:"protocol_id"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
}

// CoprocessorConfig configures the in-process coprocessor. VerifierKey is
// the hex secp256k1 key that signs input proofs; empty generates one at
// startup.
//
// The in-process coprocessor keeps ciphertexts in memory, so predictions
// stored in PostgreSQL cannot be settled after a restart. Pairing the two
// requires AllowEphemeral.
type CoprocessorConfig struct {
	VerifierKey    string `toml:"verifier_key"`
	ChainID        int    `toml:"chain_id"`
	AllowEphemeral bool   `toml:"allow_ephemeral"`
}

// PostgresConfig enables the PostgreSQL store when DSN is set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the event stream when
// Addr is set.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	CacheTTL     duration `toml:"cache_ttl"`
	EventsStream string   `toml:"events_stream"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Ledger: LedgerConfig{
			ProtocolID:       1,
			SignatureMaxSkew: duration{5 * time.Minute},
		},
		Coprocessor: CoprocessorConfig{
			ChainID: 31337,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:     duration{30 * time.Second},
			EventsStream: "prophecy:events",
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for errors and returns all of them.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server.request_timeout must be positive")
	}
	if !common.IsHexAddress(c.Ledger.Owner) {
		errs = append(errs, fmt.Sprintf("ledger.owner %q is not an address", c.Ledger.Owner))
	}
	if !common.IsHexAddress(c.Ledger.EngineAddress) {
		errs = append(errs, fmt.Sprintf("ledger.engine_address %q is not an address", c.Ledger.EngineAddress))
	}
	if c.Ledger.ProtocolID <= 0 {
		errs = append(errs, "ledger.protocol_id must be positive")
	}
	if c.Ledger.SignatureMaxSkew.Duration <= 0 {
		errs = append(errs, "ledger.signature_max_skew must be positive")
	}
	if c.Coprocessor.VerifierKey != "" {
		if _, err := c.VerifierKey(); err != nil {
			errs = append(errs, fmt.Sprintf("coprocessor.verifier_key: %v", err))
		}
	}
	if c.Coprocessor.ChainID <= 0 {
		errs = append(errs, "coprocessor.chain_id must be positive")
	}
	if c.Postgres.DSN != "" && !c.Coprocessor.AllowEphemeral {
		errs = append(errs, "postgres.dsn is set but the in-process coprocessor loses ciphertexts on restart; set coprocessor.allow_ephemeral to accept this")
	}
	if c.Redis.Addr != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis.cache_ttl must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// OwnerAddress returns the configured owner.
func (c *Config) OwnerAddress() common.Address {
	return common.HexToAddress(c.Ledger.Owner)
}

// EngineAddress returns the configured engine address.
func (c *Config) EngineAddress() common.Address {
	return common.HexToAddress(c.Ledger.EngineAddress)
}

// VerifierKey parses the input-verifier key, or returns nil when unset.
func (c *Config) VerifierKey() (*ecdsa.PrivateKey, error) {
	if c.Coprocessor.VerifierKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(c.Coprocessor.VerifierKey, "0x"))
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q must be debug, info, warn or error", s)
}
