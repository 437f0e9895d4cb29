package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"rideline/internal/app"
	"rideline/internal/engine"
	"rideline/internal/notify"
	"rideline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, retry ticker and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
				jwtSecret := secret(app.SecretJWT)
				if jwtSecret == "" {
					return fmt.Errorf("RIDELINE_JWT_SECRET is required for bearer auth")
				}
				if !cmd.Flags().Changed("addr") && ws.Config.Server.Addr != "" {
					addr = ws.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
					basePath = ws.Config.Server.BasePath
				}
				e := ws.Engine
				e.Notifier = notify.Log{}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: jwtSecret}})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				hooks := server.NewWebhookDispatcher(e.Repo, ws.Config.Webhooks)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					slog.Info("serving rideline API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					return runRetryTicker(ctx, e, ws.Config.RetryInterval())
				})
				g.Go(func() error {
					return hooks.Run(ctx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.AddCommand(serveTokenCmd())
	return cmd
}

// runRetryTicker runs a retry pass every interval until ctx is done. A
// failed pass is logged and the next tick tries again.
func runRetryTicker(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := e.ProcessRetries(ctx)
			if err != nil {
				slog.Error("retry pass failed", "error", err)
				continue
			}
			if n := len(res.Succeeded) + len(res.Rescheduled) + len(res.Expired); n > 0 {
				slog.Info("retry pass", "succeeded", len(res.Succeeded), "rescheduled", len(res.Rescheduled), "expired", len(res.Expired))
			}
		}
	}
}

func serveTokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignToken(secret(app.SecretJWT), actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}
