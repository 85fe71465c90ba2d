package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/app"
	"github.com/stanstork/bqrunner/internal/handlers"
	"github.com/stanstork/bqrunner/internal/middleware"
	"github.com/stanstork/bqrunner/internal/pipeline"
	"github.com/stanstork/bqrunner/internal/routes"
	"github.com/stanstork/bqrunner/internal/scheduler"
)

type serveFlags struct {
	load     bool
	truncate bool
	dedupe   bool
	origins  []string
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the configured schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkLoadFlags(f.load, f.truncate, f.dedupe); err != nil {
				return err
			}
			cfg, logger, err := g.setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var sched *scheduler.Scheduler
			if cfg.Schedule != "" {
				defaults := pipeline.Options{Load: f.load, Truncate: f.truncate, Dedupe: f.dedupe}
				if sched, err = scheduler.New(cfg.Schedule, a.Pipeline, defaults, logger); err != nil {
					return err
				}
				sched.Start(ctx)
			}

			handler := newHTTPHandler(ctx, a, sched, f.origins, logger)
			return serve(ctx, ":"+cfg.ServerPort, handler, a.Pipeline, sched, logger)
		},
	}
	cmd.Flags().BoolVarP(&f.load, "vertica", "v", false, "Scheduled runs load into Vertica")
	cmd.Flags().BoolVarP(&f.truncate, "truncate", "t", false, "Scheduled runs truncate the Vertica table first")
	cmd.Flags().BoolVarP(&f.dedupe, "dedupe", "d", false, "Scheduled runs dedupe the Vertica table after loading")
	cmd.Flags().StringSliceVar(&f.origins, "cors-origin", []string{"http://localhost:3000"}, "Allowed CORS origins")
	return cmd
}

func newHTTPHandler(ctx context.Context, a *app.App, sched *scheduler.Scheduler, origins []string, logger zerolog.Logger) http.Handler {
	var auth *handlers.AuthHandler
	if a.Config.JWTSecret != "" {
		auth = handlers.NewAuthHandler(a.Config.JWTSecret, logger)
	} else {
		logger.Warn().Msg("jwt_secret is not set, /api is unauthenticated")
	}

	var schedule handlers.Schedule
	if sched != nil {
		schedule = sched
	}

	router := routes.NewRouter(auth,
		handlers.NewRunHandler(ctx, a.Pipeline, a.Runs, logger),
		handlers.NewStatusHandler(a.StatusInfo(), a.Pipeline, a.Runs, schedule, logger),
		handlers.NewNotificationHandler(a.Notifications, logger),
	)
	loggedRouter := middleware.LoggingMiddleware(logger)(router)
	return h.RecoveryHandler(h.PrintRecoveryStack(true))(h.CORS(
		h.AllowedOrigins(origins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(loggedRouter))
}

// serve runs the HTTP server until ctx is done, then shuts down the server,
// stops the schedule and waits for an in-flight run.
func serve(ctx context.Context, addr string, handler http.Handler, p *pipeline.Pipeline, sched *scheduler.Scheduler, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case serveErr = <-serverErrCh:
		logger.Error().Err(serveErr).Msg("Server error occurred")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	if sched != nil {
		<-sched.Stop().Done()
	}
	if p.Running() {
		logger.Info().Msg("Waiting for the running pipeline to stop...")
	}
	p.Wait()
	return serveErr
}
