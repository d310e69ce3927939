package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"agentfactory/backend/internal/agentclient"
	"agentfactory/backend/internal/api"
	"agentfactory/backend/internal/archive"
	"agentfactory/backend/internal/config"
	"agentfactory/backend/internal/hub"
	"agentfactory/backend/internal/ledger"
	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/mcp"
	"agentfactory/backend/internal/orchestrator"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

var (
	configPath string
	inMemory   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentfactory",
		Short: "Multi-agent software factory backend",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-memory store instead of Postgres")

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo data into the database",
		RunE:  runSeed,
	}

	rootCmd.AddCommand(serveCmd, seedCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("starting agent factory backend on %s", cfg.HTTP.Addr)

	var repo repository.Repository
	if inMemory {
		logger.Warn("running with the in-memory store, nothing will survive a restart")
		repo = repository.NewInMemoryStore()
	} else {
		pool, err := connectDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := repository.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo = store
		logger.Info("database connected")
	}

	eventHub := hub.New(repo, logger)
	spendLedger := ledger.New()
	invoker := agentclient.NewHTTPClient(cfg, logger)
	builder := archive.NewBuilder(repo, logger)
	orch := orchestrator.New(repo, invoker, eventHub, spendLedger, builder, cfg, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("agentfactory-backend"))

	api.NewServer(repo, orch, eventHub, logger).RegisterRoutes(e)

	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcp.NewServer(orch, repo).GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received: %v", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error: %v", err)
			}
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("in-flight workflows did not finish before shutdown: %v", err)
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}

// runSeed loads one finished demo workflow so the API has data to show.
func runSeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	pool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:          uuid.New().String(),
		Owner:       "demo@example.com",
		ProjectName: "demo-todo-app",
		Requirement: "Build a todo list web app with user accounts",
		Model:       cfg.Workflow.DefaultModel,
		BudgetCap:   cfg.Workflow.DefaultBudgetCap,
		MaxLoops:    cfg.Workflow.DefaultMaxLoops,
		Phase:       models.PhaseArchiving,
		Status:      models.StatusRunning,
		CreatedAt:   now,
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("create demo workflow: %w", err)
	}

	demoSteps := []struct {
		name   string
		agent  string
		output map[string]any
	}{
		{models.StepIntake, "", map[string]any{"project_name": wf.ProjectName, "requirement": wf.Requirement}},
		{string(models.PhaseStakeholderRefine), "stakeholder", map[string]any{"feedback_summary": "Users need due dates and reminders."}},
		{string(models.PhaseCodeGeneration), "code", map[string]any{"code": "print('todo app')"}},
		{string(models.PhaseQA), "qa", map[string]any{"qa_report": "No issues found."}},
		{string(models.PhaseSecurity), "security", map[string]any{"security_report": "No issues detected."}},
		{models.StepTerminal, "", map[string]any{"status": string(models.StatusSucceeded)}},
	}
	for i, s := range demoSteps {
		output, err := json.Marshal(s.output)
		if err != nil {
			return err
		}
		step := &models.Step{
			WorkflowID: wf.ID,
			Seq:        i + 1,
			Name:       s.name,
			Agent:      s.agent,
			Output:     output,
			Cost:       0.01,
			CreatedAt:  now,
		}
		if err := store.AppendStep(ctx, step); err != nil {
			return fmt.Errorf("append demo step %d: %w", i+1, err)
		}
	}

	if err := store.FinalizeWorkflow(ctx, wf.ID, models.StatusSucceeded, "", "", 0.06); err != nil {
		return fmt.Errorf("finalize demo workflow: %w", err)
	}

	logger.Info("seeded demo workflow %s", wf.ID)
	return nil
}

func connectDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("connecting to database %s:%d/%s", cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
