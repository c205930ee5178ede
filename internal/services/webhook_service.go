// Package services – WebhookService
//
// This file implements the WebhookService, which runs the inbound message
// pipeline: tenant routing, idempotent deduplication, customer upsert,
// opt-out compliance, conversation lifecycle, quota enforcement, intent
// classification, language resolution, and response dispatch.
//
// The pipeline is deliberately sequential: each stage either short-circuits
// with a terminal outcome (no route, duplicate, opted out, quota exhausted,
// agent owned) or feeds the next stage. Every outcome is counted so operators
// can see where traffic is being absorbed.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/classify"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/genai"
	"github.com/tbourn/go-bizchat-backend/internal/language"
	"github.com/tbourn/go-bizchat-backend/internal/observability"
	"github.com/tbourn/go-bizchat-backend/internal/quota"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/respond"
	"github.com/tbourn/go-bizchat-backend/internal/routing"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

// WebhookService processes normalized inbound messages end to end.
type WebhookService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Routes resolves provider phone-number ids to tenant channels.
	Routes *routing.Resolver
	// Quota enforces per-tenant monthly volume limits.
	Quota *quota.Enforcer
	// Classifier assigns an intent to each message.
	Classifier *classify.Classifier
	// Responder generates and dispatches replies.
	Responder *respond.Responder

	now func() time.Time // test seam
}

// NewWebhookService wires the pipeline stages together.
func NewWebhookService(db *gorm.DB, routes *routing.Resolver, q *quota.Enforcer, cl *classify.Classifier, r *respond.Responder) *WebhookService {
	return &WebhookService{
		DB:         db,
		Routes:     routes,
		Quota:      q,
		Classifier: cl,
		Responder:  r,
		now:        time.Now,
	}
}

// ProcessInbound runs one message through the pipeline and returns the
// terminal outcome label. Errors are returned for storage or infrastructure
// failures only; business short-circuits (no route, duplicates, opted-out
// customers) are outcomes, not errors.
func (s *WebhookService) ProcessInbound(ctx context.Context, msg wa.InboundMessage) (outcome string, err error) {
	defer func() {
		if err != nil {
			outcome = observability.OutcomeError
		}
		observability.MessagesTotal.WithLabelValues(outcome).Inc()
	}()

	route, err := s.Routes.Resolve(ctx, msg.PhoneNumberID)
	if err != nil {
		return "", err
	}
	if route == nil {
		log.Ctx(ctx).Info().Str("phone_number_id", msg.PhoneNumberID).Msg("no active route, dropping message")
		return observability.OutcomeNoRoute, nil
	}
	tenant := route.Tenant

	exists, err := repo.MessageExistsByProviderID(ctx, s.DB, msg.MessageID)
	if err != nil {
		return "", err
	}
	if exists {
		return observability.OutcomeDuplicate, nil
	}

	customer, err := repo.UpsertCustomer(ctx, s.DB, tenant.ID, msg.From, msg.ProfileName, phoneFromWaID(msg.From))
	if err != nil {
		return "", err
	}

	conv, err := s.openConversation(ctx, tenant.ID, customer, route.Channel.ID)
	if err != nil {
		return "", err
	}

	req := respond.Request{
		Tenant:       tenant,
		Channel: wa.Channel{
			PhoneNumberID: route.Channel.PhoneNumberID,
			AccessToken:   route.Channel.AccessToken,
			CatalogID:     route.Channel.CatalogID,
		},
		Customer:     customer,
		Conversation: conv,
		Text:         msg.Text,
		SelectionID:  msg.SelectionID,
		Language:     conv.Language,
	}

	// Opt-out keywords are honored before anything else, including for
	// customers who are already opted out.
	if intent, ok := classify.MatchOptOut(msg.Text); ok {
		return s.handleOptKeyword(ctx, req, msg, intent)
	}
	if customer.OptedOut {
		return observability.OutcomeOptedOut, nil
	}

	allowed, err := s.Quota.Allow(ctx, tenant, repo.UsageInbound)
	if err != nil {
		return "", err
	}
	if !allowed {
		return s.handleQuotaExhausted(ctx, req, msg)
	}

	inbound, err := s.persistInbound(ctx, req, msg)
	if errors.Is(err, repo.ErrDuplicate) {
		return observability.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	// An agent owns the dialogue: store the message for their view, stay quiet.
	if !conv.Status.Automated() {
		return observability.OutcomeAgentOwned, nil
	}

	history, err := s.recentTurns(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	modelAllowed := tenant.ModelFallbackEnabled && s.modelQuotaOK(ctx, tenant)
	res := s.Classifier.Classify(ctx, msg.Text, history, modelAllowed)
	observability.IntentsTotal.WithLabelValues(string(res.Intent)).Inc()
	if res.ModelUsed {
		if rerr := s.Quota.Record(ctx, tenant, repo.UsageModelCalls); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Msg("record model usage failed")
		}
	}

	s.resolveLanguage(ctx, req, msg.Text, conv, customer, tenant)
	req.Language = conv.Language

	if aerr := repo.AttachIntent(ctx, s.DB, inbound.ID, res.Intent, res.Confidence); aerr != nil {
		log.Ctx(ctx).Warn().Err(aerr).Msg("attach intent failed")
	}
	if serr := repo.SetConversationIntent(ctx, s.DB, conv.ID, res.Intent); serr != nil {
		log.Ctx(ctx).Warn().Err(serr).Msg("set conversation intent failed")
	}

	req.ModelAllowed = modelAllowed
	if err := s.Responder.Respond(ctx, req, res); err != nil {
		return "", err
	}
	return observability.OutcomeProcessed, nil
}

// openConversation finds the customer's open conversation on the channel or
// starts a new one seeded with the customer's known language.
func (s *WebhookService) openConversation(ctx context.Context, tenantID string, customer *domain.Customer, channelID string) (*domain.Conversation, error) {
	conv, err := repo.FindOpenConversation(ctx, s.DB, tenantID, customer.ID, channelID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return repo.CreateConversation(ctx, s.DB, tenantID, customer.ID, channelID, customer.Language)
}

// handleOptKeyword flips the customer's opt-out flag, persists the inbound
// message, and confirms the change. Opt-out confirmations are the one
// automated send an opted-out customer still receives.
func (s *WebhookService) handleOptKeyword(ctx context.Context, req respond.Request, msg wa.InboundMessage, intent domain.Intent) (string, error) {
	optingOut := intent == domain.IntentOptOut
	if err := repo.SetCustomerOptOut(ctx, s.DB, req.Customer.ID, optingOut); err != nil {
		return "", err
	}

	inbound, err := s.persistInbound(ctx, req, msg)
	if errors.Is(err, repo.ErrDuplicate) {
		return observability.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if aerr := repo.AttachIntent(ctx, s.DB, inbound.ID, intent, 1.0); aerr != nil {
		log.Ctx(ctx).Warn().Err(aerr).Msg("attach intent failed")
	}
	observability.IntentsTotal.WithLabelValues(string(intent)).Inc()

	body := "You've been unsubscribed and won't receive further messages. Reply START to resubscribe."
	outcome := observability.OutcomeOptedOut
	if !optingOut {
		body = "Welcome back! You're subscribed again."
		outcome = observability.OutcomeProcessed
	}
	if serr := s.Responder.SendText(ctx, req, body); serr != nil {
		return "", serr
	}
	return outcome, nil
}

// handleQuotaExhausted stores the message, hands the conversation to a human,
// and sends a best-effort notice. No classification or model work happens
// past this point in the billing period.
func (s *WebhookService) handleQuotaExhausted(ctx context.Context, req respond.Request, msg wa.InboundMessage) (string, error) {
	log.Ctx(ctx).Warn().Str("tenant_id", req.Tenant.ID).Msg("inbound quota exhausted")

	if _, err := s.persistInbound(ctx, req, msg); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		return "", err
	}
	if req.Conversation.Status.Automated() {
		if err := repo.UpdateConversationStatus(ctx, s.DB, req.Conversation.ID, domain.StatusNeedsAgent); err != nil {
			return "", err
		}
		req.Conversation.Status = domain.StatusNeedsAgent
		if serr := s.Responder.SendText(ctx, req, respond.HighVolumeNotice); serr != nil {
			log.Ctx(ctx).Warn().Err(serr).Msg("high-volume notice failed")
		}
	}
	return observability.OutcomeQuotaExhausted, nil
}

// persistInbound stores the message, counts it against the inbound quota,
// and extends the messaging window.
func (s *WebhookService) persistInbound(ctx context.Context, req respond.Request, msg wa.InboundMessage) (*domain.Message, error) {
	inbound, err := repo.CreateInboundMessage(ctx, s.DB, req.Tenant.ID, req.Conversation.ID, msg.Type, msg.Text, msg.MessageID)
	if err != nil {
		return nil, err
	}
	if rerr := s.Quota.Record(ctx, req.Tenant, repo.UsageInbound); rerr != nil {
		log.Ctx(ctx).Warn().Err(rerr).Msg("inbound usage record failed")
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = s.now().UTC()
	}
	if terr := repo.TouchConversationInbound(ctx, s.DB, req.Conversation.ID, at); terr != nil {
		return nil, terr
	}
	if exp := at.Add(24 * time.Hour); req.Conversation.WindowExpiresAt == nil || req.Conversation.WindowExpiresAt.Before(exp) {
		req.Conversation.WindowExpiresAt = &exp
	}
	return inbound, nil
}

// resolveLanguage re-resolves the active language for the turn and records
// changes on both the conversation and the customer, best effort.
func (s *WebhookService) resolveLanguage(ctx context.Context, req respond.Request, text string, conv *domain.Conversation, customer *domain.Customer, tenant *domain.Tenant) {
	lang := language.Resolve(text, conv.Language, tenant.DefaultLanguage)
	if lang == conv.Language {
		return
	}
	if err := repo.SetConversationLanguage(ctx, s.DB, conv.ID, lang); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("set conversation language failed")
		return
	}
	conv.Language = lang
	if err := repo.SetCustomerLanguage(ctx, s.DB, customer.ID, lang); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("set customer language failed")
	}
}

// modelQuotaOK reports whether a remote model call fits the tenant's quota.
// Errors deny the call rather than risking an over-limit spend.
func (s *WebhookService) modelQuotaOK(ctx context.Context, tenant *domain.Tenant) bool {
	ok, err := s.Quota.Allow(ctx, tenant, repo.UsageModelCalls)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("model quota check failed")
		return false
	}
	return ok
}

// recentTurns loads prior messages as classification context.
func (s *WebhookService) recentTurns(ctx context.Context, conversationID string) ([]genai.Turn, error) {
	msgs, err := repo.ListRecentMessages(ctx, s.DB, conversationID, 6)
	if err != nil {
		return nil, err
	}
	turns := make([]genai.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleCustomer
		if m.Direction == domain.DirectionOut {
			role = genai.RoleBusiness
		}
		turns = append(turns, genai.Turn{Role: role, Text: m.Body})
	}
	return turns, nil
}

// phoneFromWaID derives a dialable number from a Cloud API wa_id, which is
// the E.164 number without the plus.
func phoneFromWaID(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}
