package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"rideline/internal/config"
	"rideline/internal/db"
	"rideline/internal/engine"
	"rideline/internal/migrate"
	"rideline/internal/remote"
	"rideline/internal/retry/redisstore"
)

// Secret names, looked up through Options.Secret. The CLI maps them to
// RIDELINE_* environment variables.
const (
	SecretAPIKey        = "api_key"
	SecretAuthToken     = "auth_token"
	SecretSessionCookie = "session_cookie"
	SecretJWT           = "jwt_secret"
)

type Options struct {
	Dir    string
	Secret func(name string) string
	Logger *slog.Logger
}

// Workspace is an opened rideline workspace: its config, database and the
// engine wired over both.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine *engine.Engine

	closers []func() error
}

// LoadDotEnv reads <dir>/.env when present. Variables already set in the
// environment win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Credentials collects the remote credentials from the secret source.
func Credentials(secret func(string) string) remote.Credentials {
	if secret == nil {
		secret = func(string) string { return "" }
	}
	return remote.Credentials{
		APIKey:    secret(SecretAPIKey),
		AuthToken: secret(SecretAuthToken),
		Cookie:    secret(SecretSessionCookie),
	}
}

// Open loads config, migrates the database and wires the engine. Missing
// credentials are not an error here; they surface when a request is built.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Dir: dir, Config: cfg, DB: conn, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		ws.Close()
		return nil, err
	}
	e := engine.New(conn, cfg)
	e.Logger = opts.Logger
	e.Queue.Logger = opts.Logger
	e.Auth, err = remote.NewAuthContext(remote.AuthMode(cfg.Remote.AuthMode), Credentials(opts.Secret))
	if err != nil {
		ws.Close()
		return nil, err
	}
	if cfg.Retry.Backend == "redis" {
		store, err := redisstore.Dial(ctx, cfg.Retry.RedisURL, "rideline")
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("retry backend: %w", err)
		}
		e.UseQueueStore(store)
		ws.closers = append(ws.closers, store.Close)
	}
	ws.Engine = e
	return ws, nil
}

// Close releases every resource Open acquired, last opened first.
func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
