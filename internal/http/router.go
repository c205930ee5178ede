// Package httpapi wires the HTTP transport (Gin) to the message pipeline,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook signature checks, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Provider webhook routes always acknowledged: signature-checked but
//     never rate limited
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/config"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/http/handlers"
	"github.com/tbourn/go-bizchat-backend/internal/http/middleware"
	"github.com/tbourn/go-bizchat-backend/internal/quota"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// webhookPath is where the Cloud API delivers; exempt from rate limiting.
const webhookPath = "/webhook"

// eventStoreShim adapts the repository free functions to the
// handlers.EventStore interface. This keeps handlers decoupled from the
// concrete repo package while reusing existing functions.
type eventStoreShim struct{ db *gorm.DB }

// Acknowledge proxies repo.AcknowledgeEvent.
func (s eventStoreShim) Acknowledge(ctx context.Context, id string, delivered bool, detail string) error {
	return repo.AcknowledgeEvent(ctx, s.db, id, delivered, detail)
}

// ListPage combines repo.CountAutomationEvents and
// repo.ListAutomationEventsPage into one paginated read.
func (s eventStoreShim) ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.AutomationEvent, int64, error) {
	total, err := repo.CountAutomationEvents(ctx, s.db, tenantID)
	if err != nil {
		return nil, 0, err
	}
	events, err := repo.ListAutomationEventsPage(ctx, s.db, tenantID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// convStoreShim adapts the conversation transition functions to the
// handlers.ConversationStore interface.
type convStoreShim struct{ db *gorm.DB }

// Assign proxies repo.AssignAgent.
func (s convStoreShim) Assign(ctx context.Context, id, agent string) error {
	return repo.AssignAgent(ctx, s.db, id, agent)
}

// Unassign proxies repo.UnassignAgent.
func (s convStoreShim) Unassign(ctx context.Context, id string) error {
	return repo.UnassignAgent(ctx, s.db, id)
}

// Close proxies repo.CloseConversation.
func (s convStoreShim) Close(ctx context.Context, id string) error {
	return repo.CloseConversation(ctx, s.db, id)
}

// tenantStoreShim adapts repo.GetTenant to the handlers.TenantStore
// interface.
type tenantStoreShim struct{ db *gorm.DB }

// Get proxies repo.GetTenant.
func (s tenantStoreShim) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return repo.GetTenant(ctx, s.db, id)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), webhook signature
// checks and rate limiting, CORS and security headers, health and metrics
// endpoints, the provider webhook, and the versioned ops API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate-limit bypass marker for webhook routes (before the limiter)
//  8. Rate limiter (per tenant/IP; webhook exempt)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, intake handlers.Intake, enforcer *quota.Enforcer, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Hub-Signature-256",
			"X-Automation-Secret",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Provider deliveries must never be throttled
	r.Use(middleware.RateBypassPaths(webhookPath))

	// 8) Token-bucket rate limiter per tenant/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByTenantOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: handlers ← pipeline/repo/db
	h := handlers.New(
		intake,
		cfg.WhatsApp.VerifyToken,
		eventStoreShim{db: db},
		convStoreShim{db: db},
		tenantStoreShim{db: db},
		enforcer,
	)

	// Provider webhook: verification handshake and signed deliveries
	r.GET(webhookPath, h.VerifyWebhook)
	r.POST(webhookPath, middleware.VerifySignature(cfg.WhatsApp.AppSecret), h.ReceiveWebhook)

	// Ops API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Automation outbox
		api.POST("/automation/callback", h.AutomationCallback)
		api.GET("/tenants/:tenant_id/automation/events", h.ListAutomationEvents)

		// Usage reporting
		api.GET("/tenants/:tenant_id/usage", h.TenantUsage)

		// Agent-side conversation transitions
		api.POST("/conversations/:id/assign", h.AssignConversation)
		api.POST("/conversations/:id/unassign", h.UnassignConversation)
		api.POST("/conversations/:id/close", h.CloseConversation)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group(prefix)
	}
	return r.Group(prefix)
}
