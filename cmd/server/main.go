// Command server runs the webhook intake API together with its background
// stages: the inbound worker pool and the automation-event dispatcher.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-bizchat-backend/internal/automation"
	"github.com/tbourn/go-bizchat-backend/internal/classify"
	"github.com/tbourn/go-bizchat-backend/internal/config"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/genai"
	httpapi "github.com/tbourn/go-bizchat-backend/internal/http"
	"github.com/tbourn/go-bizchat-backend/internal/observability"
	"github.com/tbourn/go-bizchat-backend/internal/quota"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/respond"
	"github.com/tbourn/go-bizchat-backend/internal/routing"
	"github.com/tbourn/go-bizchat-backend/internal/search"
	"github.com/tbourn/go-bizchat-backend/internal/services"
	"github.com/tbourn/go-bizchat-backend/internal/sysutil"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

const version = "1.0.0"

// shutdownGrace bounds how long draining the server, queue, and dispatcher
// may take once a stop signal arrives.
const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if sysutil.IsTruthy(sysutil.FirstNonEmpty(os.Getenv("AUTO_MIGRATE"), "true")) {
		if err := repo.AutoMigrate(db); err != nil {
			log.Fatal().Err(err).Msg("migrate database")
		}
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	// Pipeline wiring: route resolution, quotas, classification, replies.
	graph := wa.NewGraphClient(cfg.WhatsApp.GraphBase, cfg.WhatsApp.SendTimeout)

	var model genai.Client
	if cfg.Model.APIKey != "" {
		model = genai.NewOpenAI(cfg.Model)
	} else {
		log.Warn().Msg("model API key not set, model fallback disabled")
	}

	enforcer := quota.NewEnforcer(quota.GormStore{DB: db})
	resolver := routing.NewResolver(func(ctx context.Context, phoneNumberID string) (*domain.TenantChannel, error) {
		return repo.ResolveChannel(ctx, db, phoneNumberID)
	}, 0)
	responder := respond.NewResponder(db, graph, model, search.NewMatcher(), automation.NewEmitter(db), enforcer)
	svc := services.NewWebhookService(db, resolver, enforcer, classify.NewClassifier(model), responder)

	queue := services.NewQueue(svc, cfg.Pipeline)
	queue.Start()

	dispatcher := automation.NewDispatcher(db, cfg.Dispatcher)
	dispatcher.Start(ctx)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, queue, enforcer, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Stop accepting requests first, then drain the background stages so
	// in-flight messages finish before the process exits.
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := queue.Stop(shutCtx); err != nil {
		log.Error().Err(err).Msg("queue drain")
	}
	if err := dispatcher.Stop(shutCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher stop")
	}
	if err := shutdownOTel(shutCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("stopped")
}
