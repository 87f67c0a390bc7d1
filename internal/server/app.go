// Package server initializes and runs the main application server.
// It wires the envelope cipher, repositories, services and the HTTP
// endpoint, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/config"
	"github.com/dmitrijs2005/examkeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/examkeeper/internal/server/services"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	dispatcher *services.Dispatcher
	scheduler  *services.Scheduler
	httpServer *http.Server
}

// NewApp wires every component. A missing or malformed master key is a
// hard error: the server cannot open any stored secret without it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	s := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(s)

	masterKey, err := cryptox.LoadMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key error: %w", err)
	}
	envelope, err := cryptox.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("envelope init error: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	media, err := services.NewS3MediaStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("media store init error: %w", err)
	}

	mailer := &services.LogMailer{Logger: logger}
	dispatcher := services.NewDispatcher(db, rm, mailer, logger, cfg.NotificationQueueSize)

	authService := services.NewAuthService(db, rm, envelope, dispatcher, cfg, logger)
	userService := services.NewUserService(db, rm, envelope, dispatcher, media, logger)
	testService := services.NewTestService(db, rm, envelope, logger)
	examService := services.NewExamService(db, rm, envelope, dispatcher, media, logger)
	evaluationService := services.NewEvaluationService(db, rm, envelope, dispatcher, logger)
	scheduler := services.NewScheduler(db, rm, envelope, dispatcher, cfg.SchedulerInterval, logger)

	api := httpapi.NewServer(authService, userService, testService, examService, evaluationService, logger)
	httpServer := &http.Server{
		Addr:    cfg.EndpointAddr,
		Handler: api.Routes(),
	}

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		httpServer: httpServer,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	app.logger.Info(ctx, "HTTP server listening", "addr", app.config.EndpointAddr)
	if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "error shutting down HTTP server", "error", err)
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(shutdownCtx, "error closing database", "error", err)
	}
	app.logger.Info(shutdownCtx, "App stopped")
}
