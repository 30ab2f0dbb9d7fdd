// rewrap re-encrypts an existing wallet record under a new password. The key
// material, rotation count and address are unchanged; only the salt, nonce
// and ciphertext are regenerated.
// Usage: STORAGE_PATH=... go run ./cmd/rewrap -wallet <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/andres-erbsen/clock"
	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/config"
	"github.com/solward/keywarden/internal/guard"
	"github.com/solward/keywarden/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	walletID := flag.String("wallet", "", "wallet identity to re-encrypt")
	flag.Parse()
	if *walletID == "" {
		return errors.New("-wallet is required")
	}

	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.Get()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	auditLog, err := audit.NewJSONL(cfg.AuditLogPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = auditLog.Close() }()

	g := guard.New(cfg.MinSigningInterval, cfg.MaxFailedAttempts, cfg.LockoutDuration, auditLog, logger, clock.New())
	st, err := store.New(cfg.StoragePath, g, auditLog, logger)
	if err != nil {
		return err
	}

	oldPassword, err := promptPassword("Current wallet password: ")
	if err != nil {
		return err
	}
	defer clear(oldPassword)

	newPassword, err := promptPassword("New wallet password: ")
	if err != nil {
		return err
	}
	defer clear(newPassword)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StorageTimeout)
	defer cancel()

	priv, rec, err := st.Load(ctx, *walletID, oldPassword)
	if err != nil {
		return fmt.Errorf("failed to open wallet %q: %w", *walletID, err)
	}
	defer clear(priv)

	if err := st.Save(ctx, *walletID, priv, newPassword, rec.RotationCount); err != nil {
		return fmt.Errorf("failed to re-encrypt wallet %q: %w", *walletID, err)
	}

	logger.Info("wallet re-encrypted",
		zap.String("walletId", *walletID),
		zap.String("address", rec.Address),
	)
	return nil
}

func promptPassword(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("stdin is not a terminal: run interactively to enter password")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	clear(raw)
	return out, nil
}
