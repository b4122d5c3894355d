package cmd

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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/khalverson/inkwell/gateway"
	"github.com/khalverson/inkwell/web"
)

var (
	addr       string
	upstream   string
	serviceKey string
	production bool
	maxBody    int64
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the forward gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		cfg := gateway.Config{
			Upstream:     envOr("INKWELL_UPSTREAM", upstream),
			ServiceKey:   envOr("INKWELL_SERVICE_KEY", serviceKey),
			Addr:         envOr("INKWELL_ADDR", addr),
			Production:   production || os.Getenv("INKWELL_ENV") == "production",
			MaxBodyBytes: maxBody,
		}

		g, err := gateway.New(cfg, gateway.WithLogger(log))
		if err != nil {
			return fmt.Errorf("configuring gateway: %w", err)
		}

		// Paths the gateway does not own fall through to the embedded SPA.
		gr := g.Router()
		webHandler, err := web.Handler()
		if err != nil {
			return err
		}
		gr.NotFound(webHandler.ServeHTTP)

		r := chi.NewRouter()
		r.Use(chimw.RealIP)
		r.Use(chimw.Logger)
		r.Use(chimw.Recoverer)
		r.Mount("/", gr)

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			// No ReadTimeout/WriteTimeout: large media uploads stream
			// through the proxy and are bounded by size, not wall clock.
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		log.Info("gateway listening", "addr", cfg.Addr, "upstream", cfg.Upstream, "production", cfg.Production)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVar(&addr, "addr", ":8090", "Address to listen on")
	gatewayCmd.Flags().StringVar(&upstream, "upstream", "http://localhost:8080", "Backend origin URL")
	gatewayCmd.Flags().StringVar(&serviceKey, "service-key", "", "Service API key injected into forwarded requests")
	gatewayCmd.Flags().BoolVar(&production, "production", false, "Enable production posture (fail closed, suppress error detail)")
	gatewayCmd.Flags().Int64Var(&maxBody, "max-body", 0, "Max proxied request body size in bytes (0 = 50 MiB)")
}
