// Command icap-gateway runs an ICAP (RFC 3507) server with a pass-through
// logging adaptation service on /reqmod and /respmod.
//
// Usage:
//
//	./icap-gateway [--port=PORT] [--log=PATH] [--log-rotate-size=MB]
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"icap-gateway/internal/accesslog"
	"icap-gateway/internal/config"
	"icap-gateway/internal/handler"
	"icap-gateway/internal/icap"
)

func main() {
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	istag := cfg.ISTag
	if istag == "" {
		istag = uuid.New().String()
	}

	accessLog := accesslog.New(cfg.AccessLogFile, cfg.AccessLogMaxSizeMB)
	adapter := &handler.LogAdapter{Log: accessLog, MaxBody: cfg.AccessLogMaxBody}

	registry := icap.NewRegistry()
	registry.Register(&icap.Service{
		Path:        "/reqmod",
		Methods:     []string{icap.MethodReqmod},
		PreviewSize: cfg.PreviewBytes,
		OptionsTTL:  cfg.OptionsTTL,
		ISTag:       istag,
		Description: "icap-gateway request logger",
		Handler:     adapter,
	})
	registry.Register(&icap.Service{
		Path:        "/respmod",
		Methods:     []string{icap.MethodRespmod},
		PreviewSize: cfg.PreviewBytes,
		OptionsTTL:  cfg.OptionsTTL,
		ISTag:       istag,
		Description: "icap-gateway response logger",
		Handler:     adapter,
	})

	srv := &icap.Server{
		Addr:           ":" + cfg.Port,
		Registry:       registry,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Logger:         slog.Default(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Health and stats endpoints on a separate port.
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	})
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: r}
	go func() {
		slog.Info("health check listening", "port", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "err", err)
		}
	}()

	slog.Info("ICAP gateway started",
		"icap_port", cfg.Port,
		"health_port", cfg.HealthPort,
		"access_log", cfg.AccessLogFile,
		"preview_bytes", cfg.PreviewBytes,
		"istag", istag,
		"read_timeout", cfg.ReadTimeout.String(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("icap server error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}
	slog.Info("shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	_ = accessLog.Close()
	slog.Info("shutdown complete")
}
