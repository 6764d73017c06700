package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"werewolf-session/internal/api/http"
	"werewolf-session/internal/config"
	"werewolf-session/internal/logger"
	"werewolf-session/internal/remote"
	"werewolf-session/internal/remote/postgres"
	"werewolf-session/internal/service"
	"werewolf-session/internal/state"
	"werewolf-session/internal/storage"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		// run has returned, so its deferred closes and log flush are done
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.InitConfig()

	flush := logger.InitLogger(cfg.LogLevel)
	defer flush()

	rs, err := openRemote(cfg.Remote)
	if err != nil {
		zap.L().Error("failed to open remote store", zap.String("driver", cfg.Remote.Driver), zap.Error(err))
		return fmt.Errorf("open remote store: %w", err)
	}
	defer rs.Close()

	local, err := openStorage(cfg.Storage)
	if err != nil {
		zap.L().Error("failed to open local storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
		return fmt.Errorf("open local storage: %w", err)
	}
	defer local.Close()

	sessionSvc := service.NewSessionService(
		cfg.SessionConfig(),
		rs,
		local,
		cfg.Service.CleanupInterval,
	)
	defer func() {
		if err := sessionSvc.Close(); err != nil {
			zap.L().Warn("sessions did not close cleanly", zap.Error(err))
		}
	}()

	appState := state.NewAppState(
		cfg,
		sessionSvc,
	)

	if err := http.RunServer(appState); err != nil {
		zap.L().Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func openRemote(c config.RemoteConfig) (remote.Store, error) {
	switch c.Driver {
	case "memory":
		return remote.NewMemoryStore(), nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := postgres.New(ctx, c.DSN, c.Channel)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return postgres.NewStore(db), nil
	}

	return nil, fmt.Errorf("unknown remote driver %q", c.Driver)
}

func openStorage(c config.StorageConfig) (storage.Storage, error) {
	switch c.Driver {
	case "memory":
		return storage.NewMemoryStorage(), nil

	case "sqlite":
		s, err := storage.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
}
