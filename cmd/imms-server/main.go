package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imms/imms/internal/config"
	"github.com/imms/imms/internal/domain/immunization"
	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/dynamo"
	"github.com/imms/imms/internal/platform/metrics"
	"github.com/imms/imms/internal/platform/middleware"
	"github.com/imms/imms/internal/platform/pds"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imms-server",
		Short: "Immunization events API server",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the immunization events API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	m := metrics.New()

	// Store
	ctx := context.Background()
	var repo immunization.Repository
	if cfg.DynamoTable != "" {
		client, err := dynamo.NewClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build dynamodb client")
		}
		repo = immunization.NewDynamoRepo(client, cfg.DynamoTable, m)
		logger.Info().Str("table", cfg.DynamoTable).Msg("using dynamodb store")
	} else {
		// Development fallback so the service runs without AWS access.
		repo = immunization.NewMemoryRepo()
		logger.Warn().Msg("DYNAMODB_TABLE_NAME not set, using in-memory store")
	}

	// Demographics
	var pdsClient pds.Client
	if cfg.PDSBaseURL != "" {
		pdsClient = pds.NewHTTPClient(cfg.PDSBaseURL, logger)
	} else {
		logger.Warn().Msg("PDS_BASE_URL not set, patient checks will fail closed")
		pdsClient = pds.NewHTTPClient("http://localhost:0", logger)
	}

	svc := immunization.NewService(repo, immunization.NewStructuralValidator(), pdsClient, logger)
	handler := immunization.NewHandler(svc, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(m))

	// Health check and metrics endpoints stay outside the authorized group.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("", auth.Middleware([]byte(cfg.JWTSecret)))
	handler.RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
