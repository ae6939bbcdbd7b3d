package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/channel-ingest/internal/config"
	"github.com/blockedby/channel-ingest/internal/database"
	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/migrator"
	"github.com/blockedby/channel-ingest/internal/telegram"
	"github.com/blockedby/channel-ingest/migrations"
)

const loginTimeout = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	fmt.Println("=== telegram auth tool ===")
	fmt.Println("this tool logs the ingestor account in by QR code and stores the session in the database")
	fmt.Println()

	if err := run(); err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		return errors.New("TG_API_ID and TG_API_HASH are required (https://my.telegram.org)")
	}

	// keep the terminal for the QR code
	if err := logger.Init(logger.Options{Level: "warn"}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, loginTimeout)
	defer cancelTimeout()

	db, err := database.New(ctx, cfg.DatabaseURL, database.Options{MaxConns: 2, ConnectTimeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	m, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		return err
	}
	if err := m.Up(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	manager := telegram.NewManager(cfg, db.GORM)
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}
	defer manager.Stop()

	if manager.GetStatus() == telegram.StatusReady {
		fmt.Println("✓ a valid session is already stored, nothing to do")
		return nil
	}

	err = manager.StartQR(ctx, func(url string) {
		fmt.Println("scan with Telegram: Settings > Devices > Link Desktop Device")
		qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
		fmt.Println()
	})
	switch {
	case errors.Is(err, telegram.ErrAlreadyAuthorized):
		fmt.Println("✓ already authorized")
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("login not completed within %s", loginTimeout)
	case err != nil:
		return err
	}

	if manager.GetStatus() != telegram.StatusReady {
		return fmt.Errorf("session stored but client status is %s", manager.GetStatus())
	}

	fmt.Println("\n✓ authentication successful!")
	if client := manager.GetClient(); client != nil && client.Self != nil {
		fmt.Printf("logged in as: @%s\n", client.Self.Username)
	}
	fmt.Println("the ingestor will pick the session up on next start")
	return nil
}
