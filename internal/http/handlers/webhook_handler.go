// Package handlers – webhook intake
//
// This file implements the Cloud API webhook surface: the GET verification
// handshake and the POST message intake. Intake is acknowledge-first: the
// envelope is parsed and enqueued, then 200 is returned immediately. All
// heavy work (routing, classification, replies) happens on the worker pool
// so the provider never times out waiting on us.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/http/middleware"
	"github.com/tbourn/go-bizchat-backend/internal/quota"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

//
// Service contracts
//

// Intake accepts normalized inbound messages for asynchronous processing.
// Implementations must not block; a full buffer is an error, not a wait.
type Intake interface {
	Enqueue(msg wa.InboundMessage) error
}

// EventStore exposes the automation-event operations the ops endpoints need.
type EventStore interface {
	// Acknowledge applies an external system's delivery verdict to an event.
	Acknowledge(ctx context.Context, id string, delivered bool, detail string) error

	// ListPage returns a page of a tenant's events, newest first, with the
	// total count.
	ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.AutomationEvent, int64, error)
}

// ConversationStore exposes the agent-side conversation transitions.
type ConversationStore interface {
	// Assign moves a needs_agent conversation to the named agent.
	Assign(ctx context.Context, id, agent string) error

	// Unassign returns an agent-owned conversation to the handoff queue.
	Unassign(ctx context.Context, id string) error

	// Close ends a conversation.
	Close(ctx context.Context, id string) error
}

// TenantStore fetches tenants for the reporting endpoints.
type TenantStore interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// UsageReporter returns a tenant's current-period counters and limits.
type UsageReporter interface {
	Usage(ctx context.Context, t *domain.Tenant) (*domain.UsageCounter, quota.Limits, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints: webhook intake, automation callbacks,
// and the tenant ops surface. It depends on abstract contracts to keep
// transport concerns separate from the pipeline.
type Handlers struct {
	intake      Intake
	verifyToken string
	events      EventStore
	convs       ConversationStore
	tenants     TenantStore
	usage       UsageReporter
}

// New constructs a Handlers instance bound to the given dependencies.
func New(intake Intake, verifyToken string, events EventStore, convs ConversationStore, tenants TenantStore, usage UsageReporter) *Handlers {
	return &Handlers{
		intake:      intake,
		verifyToken: verifyToken,
		events:      events,
		convs:       convs,
		tenants:     tenants,
		usage:       usage,
	}
}

//
// Webhook endpoints
//

// VerifyWebhook handles the provider's GET subscription handshake: when the
// mode is "subscribe" and the token matches, the hub.challenge value is
// echoed back verbatim as plain text.
func (h *Handlers) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || token != h.verifyToken {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook handles the provider's POST deliveries. The envelope is
// parsed, each message is enqueued, and 200 is returned no matter what the
// queue did: redeliveries are cheaper than provider back-off.
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	body, err := c.GetRawData()
	if err != nil {
		// Ack anyway: a 4xx would make the provider redeliver a body we
		// could not read the first time either.
		lg.Warn().Err(err).Msg("unreadable webhook body")
		ok(c, http.StatusOK, gin.H{"status": "received", "messages": 0})
		return
	}

	msgs, err := wa.ParseEnvelope(body)
	if err != nil {
		lg.Warn().Err(err).Int("body_bytes", len(body)).Msg("malformed webhook envelope")
		ok(c, http.StatusOK, gin.H{"status": "received", "messages": 0})
		return
	}

	for _, m := range msgs {
		if qerr := h.intake.Enqueue(m); qerr != nil {
			lg.Warn().Err(qerr).
				Str("provider_message_id", m.MessageID).
				Msg("message not enqueued")
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "received", "messages": len(msgs)})
}
