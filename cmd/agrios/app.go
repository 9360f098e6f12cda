package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/agrios/offline/internal/config"
	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/logging"
	"github.com/agrios/offline/internal/secrets"
	syncpkg "github.com/agrios/offline/internal/sync"
	"github.com/agrios/offline/internal/sync/remote"
	"github.com/agrios/offline/internal/telemetry"
)

// app holds the process-wide session: configuration, the log writer and the
// single store instance every command shares.
type app struct {
	configPath string

	cfg     *config.Config
	store   *db.Store
	logFile io.Closer
	client  *remote.Client
}

// loadConfig reads the config file, bootstraps the decrypted env file and
// sets up logging. It does not open the store.
func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := a.initLogging(cfg); err != nil {
		return err
	}
	if err := bootstrapSecrets(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) initLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w, err := logging.RotatingWriter(logging.FileOptions{Path: cfg.Log.File})
		if err != nil {
			return err
		}
		a.logFile = w
		out = w
	}
	logging.Init(out, level)
	return nil
}

// bootstrapSecrets decrypts the env secret file when no plaintext copy
// exists yet, then loads the plaintext into the environment. A missing
// encrypted file or password is not fatal; a file that fails to decrypt is.
func bootstrapSecrets(cfg *config.Config) error {
	if _, err := os.Stat(cfg.Secrets.EncryptedPath); err == nil {
		written, err := secrets.DecryptIfAbsent(cfg.Secrets.EncryptedPath, cfg.Secrets.EnvPath, cfg.SecretsPassword())
		switch {
		case errors.Is(err, secrets.ErrNoPassword):
			logging.Warn("Encrypted env file present but no password set", map[string]interface{}{
				"encrypted_path": cfg.Secrets.EncryptedPath,
				"password_env":   cfg.Secrets.PasswordEnv,
			})
		case err != nil:
			return err
		case written:
			logging.Info("Decrypted env file", map[string]interface{}{"path": cfg.Secrets.EnvPath})
		}
	}

	loaded, err := config.LoadEnvFile(cfg.Secrets.EnvPath)
	if err != nil {
		return err
	}
	if loaded {
		return cfg.ApplyEnv()
	}
	return nil
}

// open loads the config and opens the store.
func (a *app) open(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.store != nil {
		return nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := db.Open(ctx, db.Options{Path: a.cfg.DBPath()})
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// engine builds a sync engine over the open store. Without a configured
// server the engine reports SYNC_NOT_CONFIGURED on every Sync.
func (a *app) engine() (*syncpkg.Engine, error) {
	var r syncpkg.Remote
	if a.cfg.SyncEnabled() {
		client, err := remote.New(remote.Config{
			BaseURL: a.cfg.Sync.BaseURL,
			Token:   a.cfg.Sync.Token,
			Timeout: a.cfg.Sync.Timeout,
		})
		if err != nil {
			return nil, err
		}
		a.client = client
		r = client
	}
	return syncpkg.NewEngine(a.store, r, syncpkg.WithTelemetry(telemetry.NewLogSink(nil))), nil
}

// Close releases the store, the HTTP client and the log file.
func (a *app) Close() error {
	var err error
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return err
}
