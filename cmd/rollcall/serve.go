package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the rollcall HTTP API.
Attendance can be browsed without models; recognition and enrollment
endpoints need the dlib models and answer 503 when they are missing.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, cfg, true, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := server.Deps{
		Roster:     a.store,
		Attendance: a.ledger,
	}

	if model, err := loadModel(cfg); err != nil {
		logging.WithError(err).Warnf("Face recognition disabled")
	} else {
		a.model = model
		rec, err := a.recognizer(cfg)
		if err != nil {
			return err
		}
		deps.Recognizer = rec
		deps.Enroller = pipeline.NewEnroller(model, model, a.store)
		deps.Sessions = pipeline.NewManager(ctx, rec, interval(cfg),
			pipeline.WithIdleTimeout(time.Duration(cfg.Server.SessionIdleMinutes)*time.Minute),
			pipeline.WithMaxSessions(cfg.Server.MaxSessions),
		)
	}

	if cfg.Server.AdminPasswordHash == "" {
		logging.Warnf("No admin password hash configured; admin endpoints are disabled")
	}

	srv := server.New(server.Options{
		Addr:              cfg.Addr(),
		AdminUser:         cfg.Server.AdminUser,
		AdminPasswordHash: cfg.Server.AdminPasswordHash,
	}, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
