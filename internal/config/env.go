package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"
)

// Config contains all configuration parameters for the custody subsystem.
// Note: Password is prompted at runtime and stored in memory - use GetPasswordBytes()
type Config struct {
	StoragePath        string        `envconfig:"STORAGE_PATH" required:"true"`
	AuditLogPath       string        `envconfig:"AUDIT_LOG_PATH" default:"audit.jsonl"`
	WalletID           string        `envconfig:"WALLET_ID" default:"default"`
	RotationInterval   time.Duration `envconfig:"ROTATION_INTERVAL" default:"24h"`
	MaxFailedAttempts  int           `envconfig:"MAX_FAILED_ATTEMPTS" default:"5"`
	LockoutDuration    time.Duration `envconfig:"LOCKOUT_DURATION" default:"5m"`
	MinSigningInterval time.Duration `envconfig:"MIN_SIGNING_INTERVAL" default:"10ms"`
	StorageTimeout     time.Duration `envconfig:"STORAGE_TIMEOUT" default:"5s"`
	SolanaRPCURL       string        `envconfig:"SOLANA_RPC_URL" default:"https://api.mainnet-beta.solana.com"`
	BlockhashTTL       time.Duration `envconfig:"BLOCKHASH_TTL" default:"30s"`
}

// cfg is the global configuration instance
var cfg *Config

// Init loads configuration from environment variables.
func Init() error {
	cfg = &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("failed to process config: %w", err)
	}
	return nil
}

// Get returns the global configuration instance.
// Panics if Init() was not called.
func Get() *Config {
	if cfg == nil {
		panic("config not initialized, call Init() first")
	}
	return cfg
}

var passwordBytes []byte

// PromptForPassword prompts the user for the wallet password in the terminal.
// The password is read without echoing (hidden input) and stored in memory.
// Call this at startup before any wallet is opened.
func PromptForPassword() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is not a terminal: run the app interactively to enter password")
	}
	fmt.Fprint(os.Stderr, "Enter wallet password: ")
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("password cannot be empty")
	}

	passwordBytes = make([]byte, len(raw))
	copy(passwordBytes, raw)
	clear(raw)
	return nil
}

// GetPasswordBytes returns the password stored in memory (from PromptForPassword).
// Returns an error if the password was not set.
// Caller must zero the returned slice after use for security.
func GetPasswordBytes() ([]byte, error) {
	if len(passwordBytes) == 0 {
		return nil, errors.New("password not set: call PromptForPassword at startup")
	}
	out := make([]byte, len(passwordBytes))
	copy(out, passwordBytes)
	return out, nil
}

// WipePassword zeroes the in-memory password. Call before process exit.
func WipePassword() {
	clear(passwordBytes)
	passwordBytes = nil
}
