package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/storefront-store/app"
	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/handler"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API with autosave and connection monitoring.

Engine switches, migrations and remote configuration changes restart the
application context in place: configuration is reloaded and a new engine
is opened, without exiting the process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := rootOpts.logger(cmd)
			if err != nil {
				return err
			}
			sup := &app.Supervisor{
				Logger: log,
				Build: func(ctx context.Context) (*app.App, error) {
					cfg, prefs, err := rootOpts.loadConfig(cmd, func(c *config.Config) {
						if addr != "" {
							c.HTTPAddr = addr
						}
					})
					if err != nil {
						return nil, err
					}
					return app.Open(ctx, app.Options{Config: cfg, Prefs: prefs, Logger: log})
				},
				Serve: func(ctx context.Context, a *app.App) error {
					return serveHTTP(ctx, a, log)
				},
			}
			return sup.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default 0.0.0.0:8080)")
	return cmd
}

// serveHTTP runs the API and the context's background work until ctx is
// done.
func serveHTTP(ctx context.Context, a *app.App, log zerolog.Logger) error {
	cfg := a.Config()
	h := handler.New(a, handler.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log.With().Str("component", "http").Logger(),
	})

	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.CORS(h, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived websocket streams end with the context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("engine", string(a.Engine())).Msg("storefront store listening")
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
	return g.Wait()
}
