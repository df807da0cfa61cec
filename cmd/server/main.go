package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bv199.vn/hospital-chat/internal/api"
	"bv199.vn/hospital-chat/internal/config"
	"bv199.vn/hospital-chat/internal/flowise"
	"bv199.vn/hospital-chat/internal/logging"
)

func main() {
	// Load configuration
	envErr := config.LoadConfig()
	cfg := config.AppConfig

	portFlag := flag.String("port", cfg.HTTPPort, "Port to listen on")
	probeFlag := flag.Bool("probe", false, "Check connectivity to Flowise and exit")
	flag.Parse()

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	if err := cfg.ValidateProxy(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	upstream := flowise.NewClient(flowise.Config{
		URL:      cfg.FlowiseAPIURL,
		APIKey:   cfg.FlowiseAPIKey,
		AuthMode: cfg.FlowiseAuthMode,
		Timeout:  cfg.FlowiseTimeout,
		Logger:   logger,
	})

	if *probeFlag {
		res, err := upstream.Probe(context.Background(), cfg.FlowiseTestTimeout)
		if err != nil {
			logger.Error("flowise probe failed", "endpoint", cfg.FlowiseAPIURL, "error", err)
			os.Exit(1)
		}
		logger.Info("flowise probe succeeded", "status", res.Status, "elapsed", res.Elapsed.String(), "preview", res.Preview)
		os.Exit(0)
	}

	apiHandler := api.NewAPIHandler(upstream, api.Options{
		FlowiseURL:     cfg.FlowiseAPIURL,
		Timeout:        cfg.FlowiseTimeout,
		TestTimeout:    cfg.FlowiseTestTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		FrontendURL:    cfg.FrontendURL,
	}, logger)
	router := api.NewRouter(apiHandler, logger, cfg.CORSAllowedOrigin)

	serverAddr := fmt.Sprintf(":%s", *portFlag)

	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       2 * time.Minute, // multipart uploads
		WriteTimeout:      cfg.FlowiseTimeout + time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("proxy starting",
			"addr", serverAddr,
			"flowise_url", cfg.FlowiseAPIURL,
			"auth_mode", cfg.FlowiseAuthMode,
			"timeout", cfg.FlowiseTimeout.String(),
			"frontend", cfg.FrontendURL,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("could not listen", "addr", serverAddr, "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down server")

	// In-flight predictions may be long; give them a bounded grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited gracefully")
}
