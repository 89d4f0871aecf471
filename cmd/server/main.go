package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/contributor-info/capture-router/internal/classifier"
	"github.com/contributor-info/capture-router/internal/config"
	"github.com/contributor-info/capture-router/internal/dispatch"
	"github.com/contributor-info/capture-router/internal/executor"
	"github.com/contributor-info/capture-router/internal/handlers"
	"github.com/contributor-info/capture-router/internal/health"
	"github.com/contributor-info/capture-router/internal/middleware"
	"github.com/contributor-info/capture-router/internal/migration"
	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/contributor-info/capture-router/internal/rollout"
	"github.com/contributor-info/capture-router/internal/routes"
	captemporal "github.com/contributor-info/capture-router/internal/temporal"
	"github.com/contributor-info/capture-router/internal/temporal/activities"
	"github.com/contributor-info/capture-router/internal/temporal/workflows"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	temporalClient tc.Client
	logger         zerolog.Logger

	jobRepo      repository.JobRepository
	rolloutRepo  repository.RolloutRepository
	categoryRepo repository.CategoryRepository

	rolloutCtrl *rollout.Controller
	classifier  *classifier.Classifier
	monitor     *health.Monitor
	realtime    *executor.RealtimeExecutor
	batch       *executor.BatchExecutor
	dispatcher  *dispatch.Dispatcher
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Initialize Temporal client.
	temporalClient, err := tc.Dial(tc.Options{
		HostPort: cfg.TemporalHostPort,
		Logger:   captemporal.NewLogAdapter(logger),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	defer temporalClient.Close()

	app := newApplication(cfg, db, temporalClient, logger)

	// Start the Temporal worker in a separate goroutine.
	temporalWorker := app.startTemporalWorker(logger)

	// Background loops: batch reconciliation, realtime expiry, health checks,
	// recategorization.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go func() {
		if err := app.batch.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Batch reconciler exited")
		}
	}()
	go app.realtime.Run(bgCtx, cfg.Reconcile.PollInterval)
	scheduler := app.startScheduler(bgCtx, logger)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, temporalWorker, scheduler, cancelBg, logger)

	logger.Info().Msg("Application terminated.")
}

func newApplication(cfg *config.Config, db *sql.DB, temporalClient tc.Client, logger zerolog.Logger) *application {
	app := &application{
		config:         cfg,
		db:             db,
		temporalClient: temporalClient,
		logger:         logger,
	}

	app.jobRepo = repository.NewJobRepository(db)
	app.rolloutRepo = repository.NewRolloutRepository(db)
	app.categoryRepo = repository.NewCategoryRepository(db)
	metricsRepo := repository.NewMetricsRepository(db)

	app.rolloutCtrl = rollout.NewController(app.rolloutRepo, app.categoryRepo,
		cfg.Rollout.Feature, cfg.Rollout.CacheTTL, logger)
	app.classifier = classifier.New(app.categoryRepo, metricsRepo, app.jobRepo,
		classifier.Config{Concurrency: cfg.Classifier.Concurrency}, logger)
	app.monitor = health.NewMonitor(app.jobRepo, app.rolloutCtrl, cfg.Health, logger)

	app.realtime = executor.NewRealtimeExecutor(app.jobRepo, nil, cfg.Realtime,
		[]byte(cfg.JWTSecret), logger)
	app.batch = executor.NewBatchExecutor(app.jobRepo, temporalClient,
		cfg.Reconcile.PollInterval, logger)

	app.dispatcher = dispatch.NewDispatcher(app.jobRepo, app.rolloutCtrl,
		app.classifier, app.realtime, app.batch, cfg.Router, logger)

	return app
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	authHandler := handlers.NewAuthHandler(app.config.OperatorKeyHash, app.config.JWTSecret, logger)
	jobHandler := handlers.NewJobHandler(app.dispatcher, app.realtime, app.jobRepo, logger)
	rolloutHandler := handlers.NewRolloutHandler(app.rolloutCtrl, app.monitor, app.classifier,
		app.rolloutRepo, app.categoryRepo, app.config.Rollout.Feature, logger)

	return routes.NewRouter(authHandler, jobHandler, rolloutHandler, app.config.JWTSecret)
}

func (app *application) startTemporalWorker(logger zerolog.Logger) worker.Worker {
	activityImpl := &activities.Activities{
		JobRepo:    app.jobRepo,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIBaseURL: app.config.CaptureAPI.BaseURL,
		APIToken:   app.config.CaptureAPI.Token,
		PageSize:   app.config.CaptureAPI.PageSize,
	}

	w := worker.New(app.temporalClient, captemporal.TaskQueueName, worker.Options{})

	w.RegisterWorkflow(workflows.CaptureWorkflow)
	w.RegisterActivity(activityImpl)

	// Start the worker in a goroutine so it doesn't block.
	go func() {
		logger.Info().Msg("Starting Temporal worker...")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()

	return w
}

// startScheduler runs the periodic health check and the nightly
// recategorization sweep.
func (app *application) startScheduler(ctx context.Context, logger zerolog.Logger) *cron.Cron {
	c := cron.New()

	if _, err := c.AddFunc(app.config.Health.Schedule, func() {
		report := app.monitor.CheckHealth()
		if report.Action == models.HealthActionRolledBack {
			logger.Warn().Str("action", string(report.Action)).
				Float64("error_rate", report.ErrorRate).
				Msg("Health check took action")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("Invalid health check schedule")
	}

	if _, err := c.AddFunc(app.config.Classifier.Schedule, func() {
		updated, err := app.classifier.CategorizeAll(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Recategorization sweep failed")
			return
		}
		logger.Info().Int("updated", updated).Msg("Recategorization sweep finished")
	}); err != nil {
		logger.Fatal().Err(err).Msg("Invalid recategorization schedule")
	}

	c.Start()
	return c
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker, scheduler *cron.Cron, cancelBg context.CancelFunc, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop the background loops and the Temporal worker.
	scheduler.Stop()
	cancelBg()
	logger.Info().Msg("Stopping Temporal worker...")
	temporalWorker.Stop()
	logger.Info().Msg("Temporal worker stopped.")
}
