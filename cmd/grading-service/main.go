package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/cache"
	"github.com/SAP-F-2025/grading-service/internal/config"
	"github.com/SAP-F-2025/grading-service/internal/handlers"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/services"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "grading-service",
		Short:        "Batch grading pipeline for student answers",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd())
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func commonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("environment", "development", "Environment name; production switches to JSON logs")
	f.String("database-driver", "postgres", "Job store backend (postgres, memory)")
	f.String("database-url", "", "PostgreSQL DSN")
	f.Bool("redis-enabled", true, "Use Redis as the L2 result cache")
	f.String("redis-url", "", "Redis URL")
	f.String("local-classifier-url", "", "Local classifier base URL (empty disables the local engine)")
	f.String("remote-api-key", "", "API key for the remote model (empty disables the remote engine)")
	f.Bool("grading-hybrid-mode", false, "Grade misconception requests with both local and remote engines")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job workers",
		RunE:  runServe,
	}
	commonFlags(cmd)
	cmd.Flags().String("port", "8080", "HTTP listen port")
	cmd.Flags().String("events-publisher", "gochannel", "Job event publisher (kafka, gochannel, mock)")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a JSON array of questions once and print the result",
		RunE:  runGrade,
	}
	commonFlags(cmd)
	cmd.Flags().StringP("input", "i", "-", "Questions JSON file (- for stdin)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, utils.Logger, error) {
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, utils.NewLogger(cfg.Environment, cfg.LogLevel), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	go cache.RunCleanup(ctx, a.cache, cfg.Cache.CleanupInterval, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), utils.ContextLogger(logger), utils.LoggerMiddleware(logger))

	gradingService := services.NewGradingService(a.manager, a.cache, a.repos.Escalations, logger)
	exportService := services.NewExportService(a.queue, logger)
	handlers.NewHandlerManager(gradingService, exportService, a.queue, reg, logger).SetupRoutes(engine)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down", "timeout", shutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	logger.Info("HTTP server stopped gracefully")
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// One-shot grading never touches the job store or event bus.
	cfg.DatabaseDriver = "memory"
	cfg.Events.Enabled = false

	input, _ := cmd.Flags().GetString("input")
	questions, err := readQuestions(cmd.InOrStdin(), input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.manager.Grade(ctx, questions)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readQuestions(stdin io.Reader, path string) ([]models.QuestionInput, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var questions []models.QuestionInput
	if err := json.NewDecoder(r).Decode(&questions); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	return questions, nil
}
