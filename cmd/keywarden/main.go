// keywarden opens (or creates) the configured wallet and keeps its keypair
// rotated on schedule. Signing is consumed in-process through the wallet
// package; this daemon only drives the rotation loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/config"
	"github.com/solward/keywarden/internal/model"
	"github.com/solward/keywarden/wallet"
)

const rotationPollInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.Get()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := config.PromptForPassword(); err != nil {
		return err
	}
	defer config.WipePassword()

	mgr, closeAudit, err := wallet.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeAudit() }()
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := openWallet(ctx, cfg, mgr, logger); err != nil {
		return err
	}

	logger.Info("rotation loop started",
		zap.String("walletId", cfg.WalletID),
		zap.Duration("rotationInterval", cfg.RotationInterval),
	)

	ticker := time.NewTicker(rotationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			signed, failed := mgr.Stats()
			logger.Info("shutting down",
				zap.Uint64("signed", signed),
				zap.Uint64("signingFailures", failed),
			)
			return nil
		case <-ticker.C:
			if err := rotateIfNeeded(ctx, cfg, mgr, logger); err != nil {
				logger.Error("rotation check failed", zap.Error(err))
			}
		}
	}
}

func openWallet(ctx context.Context, cfg *config.Config, mgr *wallet.Manager, logger *zap.Logger) error {
	password, err := config.GetPasswordBytes()
	if err != nil {
		return err
	}
	defer clear(password)

	opCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
	defer cancel()

	pub, err := mgr.CreateWallet(opCtx, cfg.WalletID, password)
	switch {
	case err == nil:
		logger.Info("wallet created", zap.String("address", pub.String()))
	case errors.Is(err, model.ErrWalletExists):
		// Fall through to load.
	default:
		return err
	}

	h, err := mgr.LoadWallet(opCtx, cfg.WalletID, password)
	if err != nil {
		return err
	}
	logger.Info("wallet open", zap.String("address", h.PublicKey().String()))
	return nil
}

func rotateIfNeeded(ctx context.Context, cfg *config.Config, mgr *wallet.Manager, logger *zap.Logger) error {
	password, err := config.GetPasswordBytes()
	if err != nil {
		return err
	}
	defer clear(password)

	opCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
	defer cancel()

	rotated, err := mgr.RotateIfNeeded(opCtx, cfg.WalletID, password)
	if err != nil {
		return err
	}
	if rotated {
		logger.Info("keypair rotated on schedule", zap.String("walletId", cfg.WalletID))
	}
	return nil
}
