package respond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/automation"
	"github.com/tbourn/go-bizchat-backend/internal/classify"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/genai"
	"github.com/tbourn/go-bizchat-backend/internal/observability"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/search"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

// UsageRecorder records consumed usage units. Satisfied by quota.Enforcer.
type UsageRecorder interface {
	Record(ctx context.Context, t *domain.Tenant, field repo.UsageField) error
}

// Request carries one turn's context through the response engine.
type Request struct {
	Tenant       *domain.Tenant
	Channel      wa.Channel
	Customer     *domain.Customer
	Conversation *domain.Conversation
	Text         string
	SelectionID  string // interactive list/button selection id, if any
	Language     string // resolved language for this turn
	ModelAllowed bool   // tenant flag + model-call quota, decided by the caller
}

// Responder generates and dispatches the reply for a classified message.
type Responder struct {
	db      *gorm.DB
	sender  wa.Sender
	model   genai.Client // nil when model generation is not configured
	matcher *search.Matcher
	emitter *automation.Emitter
	usage   UsageRecorder
	now     func() time.Time // test seam
}

// NewResponder wires the response engine. model may be nil.
func NewResponder(db *gorm.DB, sender wa.Sender, model genai.Client, matcher *search.Matcher, emitter *automation.Emitter, usage UsageRecorder) *Responder {
	return &Responder{
		db:      db,
		sender:  sender,
		model:   model,
		matcher: matcher,
		emitter: emitter,
		usage:   usage,
		now:     time.Now,
	}
}

// Respond branches on the classified intent, sends the reply, and persists
// the outbound message. Send failures are logged and recorded (an outbound
// row without a provider id), not returned; only storage failures surface.
func (r *Responder) Respond(ctx context.Context, req Request, res classify.Result) error {
	if classify.ShouldHandoff(res.Intent, res.Confidence) {
		return r.handoff(ctx, req, res)
	}
	switch res.Intent {
	case domain.IntentOrderStatus:
		return r.orderStatus(ctx, req, res.Entity)
	case domain.IntentProductInquiry:
		return r.productInquiry(ctx, req)
	default:
		return r.templated(ctx, req, res.Intent)
	}
}

// handoff moves the conversation to needs_agent, opens a support case, and
// emits the case-created automation events atomically, then sends the
// handoff reply.
func (r *Responder) handoff(ctx context.Context, req Request, res classify.Result) error {
	priority := repo.CasePriorityMedium
	if res.Intent == domain.IntentComplaint {
		priority = repo.CasePriorityHigh
	}
	reason := string(res.Intent)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateConversationStatus(ctx, tx, req.Conversation.ID, domain.StatusNeedsAgent); err != nil {
			return err
		}
		sc, err := repo.CreateSupportCase(ctx, tx, req.Tenant.ID, req.Conversation.ID, priority, reason)
		if err != nil {
			return err
		}
		return r.emitter.EmitCaseCreated(ctx, tx, req.Tenant.ID, automation.CasePayload{
			CaseID:         sc.ID,
			ConversationID: req.Conversation.ID,
			CustomerID:     req.Customer.ID,
			Priority:       priority,
			Reason:         reason,
		})
	})
	if err != nil {
		return err
	}
	req.Conversation.Status = domain.StatusNeedsAgent

	body := r.resolveBody(ctx, req, res.Intent)
	return r.SendText(ctx, req, body)
}

// orderStatus answers order-tracking questions: by extracted order number
// first, then by the customer's recent orders, else asks for a number.
func (r *Responder) orderStatus(ctx context.Context, req Request, number string) error {
	if number != "" {
		o, err := repo.GetOrderByNumber(ctx, r.db, req.Tenant.ID, number)
		switch {
		case err == repo.ErrNotFound:
			return r.SendText(ctx, req, fmt.Sprintf("We couldn't find an order %s. Could you double-check the order number?", number))
		case err != nil:
			return err
		}
		return r.SendText(ctx, req, formatOrder(o))
	}

	orders, err := repo.ListOrdersByPhone(ctx, r.db, req.Tenant.ID, req.Customer.Phone, 3)
	if err != nil {
		return err
	}
	switch len(orders) {
	case 0:
		return r.SendText(ctx, req, "Could you share your order number (e.g. ORD-12345) so we can look it up?")
	case 1:
		return r.SendText(ctx, req, formatOrder(&orders[0]))
	default:
		var b strings.Builder
		b.WriteString("Here are your recent orders:\n")
		for _, o := range orders {
			fmt.Fprintf(&b, "• %s: %s\n", o.Number, o.Status)
		}
		b.WriteString("Reply with an order number for details.")
		return r.SendText(ctx, req, b.String())
	}
}

// formatOrder renders one order's status line, with tracking when present.
func formatOrder(o *domain.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s is %s.", o.Number, o.Status)
	if o.ItemsSummary != "" {
		fmt.Fprintf(&b, "\nItems: %s", o.ItemsSummary)
	}
	if o.TrackingNumber != "" {
		fmt.Fprintf(&b, "\nTracking: %s", o.TrackingNumber)
		if o.TrackingCarrier != "" {
			fmt.Fprintf(&b, " (%s)", o.TrackingCarrier)
		}
	}
	return b.String()
}

// selectionPrefix tags interactive list row ids carrying a product SKU.
const selectionPrefix = "sku:"

// productInquiry resolves a product question: a list selection or exact SKU
// yields a detail card, otherwise a fuzzy search over the active catalog
// yields a card, an interactive list, or an apology.
func (r *Responder) productInquiry(ctx context.Context, req Request) error {
	if strings.HasPrefix(req.SelectionID, selectionPrefix) {
		sku := strings.TrimPrefix(req.SelectionID, selectionPrefix)
		p, err := repo.GetProductBySKU(ctx, r.db, req.Tenant.ID, sku)
		switch {
		case err == repo.ErrNotFound:
			return r.SendText(ctx, req, "Sorry, that product is no longer available.")
		case err != nil:
			return err
		}
		return r.sendProductCard(ctx, req, p)
	}

	query := extractProductQuery(req.Text)

	// A single compact token may be an exact catalog identifier.
	if query != "" && !strings.Contains(query, " ") {
		if p, err := repo.GetProductBySKU(ctx, r.db, req.Tenant.ID, query); err == nil {
			return r.sendProductCard(ctx, req, p)
		} else if err != repo.ErrNotFound {
			return err
		}
	}

	products, err := repo.ListActiveProducts(ctx, r.db, req.Tenant.ID, "", 0)
	if err != nil {
		return err
	}
	candidates := make([]search.Candidate, 0, len(products))
	bySKU := make(map[string]*domain.Product, len(products))
	for i := range products {
		p := &products[i]
		bySKU[p.SKU] = p
		candidates = append(candidates, search.Candidate{
			Key:  p.SKU,
			Text: p.Name + " " + p.Category + " " + p.Description,
		})
	}

	ranked := r.matcher.Rank(query, candidates, wa.MaxListRows)
	switch len(ranked) {
	case 0:
		return r.SendText(ctx, req, "Sorry, we couldn't find a matching product. Could you describe it differently?")
	case 1:
		return r.sendProductCard(ctx, req, bySKU[ranked[0].Key])
	}

	list := wa.List{
		BodyText:   "Here's what we found:",
		ButtonText: "View products",
		Sections:   buildProductSections(ranked, bySKU),
	}
	return r.sendList(ctx, req, list)
}

// buildProductSections groups ranked results into list sections by category,
// preserving rank order within each section.
func buildProductSections(ranked []search.Result, bySKU map[string]*domain.Product) []wa.ListSection {
	order := []string{}
	grouped := map[string][]wa.ListRow{}
	for _, res := range ranked {
		p := bySKU[res.Key]
		if p == nil {
			continue
		}
		cat := p.Category
		if cat == "" {
			cat = "Products"
		}
		if _, ok := grouped[cat]; !ok {
			order = append(order, cat)
		}
		grouped[cat] = append(grouped[cat], wa.ListRow{
			ID:          selectionPrefix + p.SKU,
			Title:       p.Name,
			Description: fmt.Sprintf("%s %.2f", p.Currency, p.Price),
		})
	}
	sections := make([]wa.ListSection, 0, len(order))
	for _, cat := range order {
		sections = append(sections, wa.ListSection{Title: cat, Rows: grouped[cat]})
	}
	return sections
}

// productCard renders one product's detail text.
func productCard(p *domain.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s %.2f", p.Name, p.Currency, p.Price)
	if p.Description != "" {
		fmt.Fprintf(&b, "\n%s", p.Description)
	}
	if p.Stock > 0 {
		fmt.Fprintf(&b, "\nIn stock: %d", p.Stock)
	}
	fmt.Fprintf(&b, "\n(SKU %s)", p.SKU)
	return b.String()
}

// queryStopPhrases are stripped from product questions before searching.
var queryStopPhrases = []string{
	"do you have", "do you sell", "do you stock", "how much is", "how much for",
	"what is the price of", "price of", "cost of", "is there", "i want to buy",
	"i am looking for", "i'm looking for", "looking for", "in stock",
}

// extractProductQuery reduces a product question to its search terms.
func extractProductQuery(text string) string {
	q := strings.ToLower(strings.TrimSpace(text))
	q = strings.TrimRight(q, "?!.")
	for _, p := range queryStopPhrases {
		q = strings.ReplaceAll(q, p, " ")
	}
	fields := strings.Fields(q)
	kept := fields[:0]
	for _, f := range fields {
		switch f {
		case "a", "an", "the", "of", "for", "is", "are", "you", "your", "there",
			"any", "price", "available", "availability", "stock":
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// templated resolves the intent's reply template through the fallback
// chain; a missing template falls back to a model-generated reply when
// permitted, then to a built-in generic reply.
func (r *Responder) templated(ctx context.Context, req Request, intent domain.Intent) error {
	return r.SendText(ctx, req, r.resolveBody(ctx, req, intent))
}

// resolveBody produces the reply text for an intent: template chain, then
// model generation, then the built-in generic reply.
func (r *Responder) resolveBody(ctx context.Context, req Request, intent domain.Intent) string {
	tpl, err := ResolveTemplate(ctx, r.db, req.Tenant, intent, req.Language)
	if err == nil {
		return Render(tpl.Body, TemplateVars(req.Tenant, req.Customer))
	}
	if err != repo.ErrNotFound {
		log.Ctx(ctx).Warn().Err(err).Msg("template lookup failed")
	}

	if req.ModelAllowed && r.model != nil {
		body, genErr := r.generate(ctx, req)
		if genErr == nil {
			return body
		}
		log.Ctx(ctx).Warn().Err(genErr).Msg("model reply generation failed")
	}
	return Render(genericReply(req.Tenant, intent), TemplateVars(req.Tenant, req.Customer))
}

// generate asks the model for a reply with recent turns as context and
// records the model call against the tenant's quota.
func (r *Responder) generate(ctx context.Context, req Request) (string, error) {
	history, err := r.recentTurns(ctx, req.Conversation.ID)
	if err != nil {
		return "", err
	}
	body, err := r.model.GenerateReply(ctx, genai.ReplyRequest{
		Text:         req.Text,
		History:      history,
		Language:     req.Language,
		Tone:         req.Tenant.DefaultTone,
		BusinessName: req.Tenant.Name,
		Policies:     strings.TrimSpace(req.Tenant.ShippingPolicy + "\n" + req.Tenant.ReturnPolicy),
	})
	if err != nil {
		return "", err
	}
	if recErr := r.usage.Record(ctx, req.Tenant, repo.UsageModelCalls); recErr != nil {
		log.Ctx(ctx).Warn().Err(recErr).Msg("model usage record failed")
	}
	return body, nil
}

// recentTurns loads the last few messages as model context.
func (r *Responder) recentTurns(ctx context.Context, conversationID string) ([]genai.Turn, error) {
	msgs, err := repo.ListRecentMessages(ctx, r.db, conversationID, 6)
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

// genericReply is the built-in terminal fallback per intent.
func genericReply(t *domain.Tenant, intent domain.Intent) string {
	switch intent {
	case domain.IntentGreeting:
		return "Hello {{customer_name}}! Welcome to {{business_name}}. How can we help you today?"
	case domain.IntentBusinessInfo:
		parts := []string{}
		if t.BusinessHours != "" {
			parts = append(parts, "We're open "+t.BusinessHours+".")
		}
		if t.Location != "" {
			parts = append(parts, "You can find us at "+t.Location+".")
		}
		if len(parts) == 0 {
			return "A team member will share our business details with you shortly."
		}
		return strings.Join(parts, " ")
	case domain.IntentRefundCancel:
		return "We can help with refunds and cancellations. A team member will review your request and get back to you."
	case domain.IntentSpeakToHuman, domain.IntentComplaint:
		return "Thank you for reaching out. You'll be connected with a member of our team shortly."
	case domain.IntentOrderStatus:
		return "Could you share your order number (e.g. ORD-12345) so we can look it up?"
	default:
		return "Thanks for your message! A member of our team will get back to you soon."
	}
}

// HighVolumeNotice is the best-effort reply sent when the inbound quota is
// exhausted.
const HighVolumeNotice = "We're experiencing a high volume of messages right now. A member of our team will get back to you as soon as possible."

// SendText delivers body, persists the outbound row (with the provider id
// when the send succeeded), and advances the outbound timestamp.
func (r *Responder) SendText(ctx context.Context, req Request, body string) error {
	providerID := ""
	if r.windowOpen(req) {
		id, err := r.sender.SendText(ctx, req.Channel, req.Customer.WaID, body)
		if err != nil {
			observability.OutboundSends.WithLabelValues("error").Inc()
			log.Ctx(ctx).Warn().Err(err).Msg("outbound send failed")
		} else {
			providerID = id
			observability.OutboundSends.WithLabelValues("ok").Inc()
		}
	} else {
		log.Ctx(ctx).Warn().Str("conversation_id", req.Conversation.ID).
			Msg("messaging window closed, free-form send blocked")
	}
	return r.persistOutbound(ctx, req, "text", body, providerID)
}

// sendProductCard delivers one product. Numbers connected to a Commerce
// Manager catalog send a product reference message for mapped items; every
// other case falls back to the plain text card.
func (r *Responder) sendProductCard(ctx context.Context, req Request, p *domain.Product) error {
	body := productCard(p)
	if req.Channel.CatalogID == "" || p.RetailerID == "" {
		return r.SendText(ctx, req, body)
	}

	providerID := ""
	if r.windowOpen(req) {
		id, err := r.sender.SendProduct(ctx, req.Channel, req.Customer.WaID, req.Channel.CatalogID, p.RetailerID, body)
		if err != nil {
			observability.OutboundSends.WithLabelValues("error").Inc()
			log.Ctx(ctx).Warn().Err(err).Msg("outbound product send failed")
		} else {
			providerID = id
			observability.OutboundSends.WithLabelValues("ok").Inc()
		}
	} else {
		log.Ctx(ctx).Warn().Str("conversation_id", req.Conversation.ID).
			Msg("messaging window closed, free-form send blocked")
	}
	return r.persistOutbound(ctx, req, "interactive", body, providerID)
}

// sendList delivers an interactive list and persists its body text.
func (r *Responder) sendList(ctx context.Context, req Request, list wa.List) error {
	providerID := ""
	if r.windowOpen(req) {
		id, err := r.sender.SendList(ctx, req.Channel, req.Customer.WaID, list)
		if err != nil {
			observability.OutboundSends.WithLabelValues("error").Inc()
			log.Ctx(ctx).Warn().Err(err).Msg("outbound list send failed")
		} else {
			providerID = id
			observability.OutboundSends.WithLabelValues("ok").Inc()
		}
	} else {
		log.Ctx(ctx).Warn().Str("conversation_id", req.Conversation.ID).
			Msg("messaging window closed, free-form send blocked")
	}
	return r.persistOutbound(ctx, req, "interactive", list.BodyText, providerID)
}

// windowOpen gates free-form sends on the 24-hour messaging window. A
// conversation without a recorded expiry (mid-creation) is treated as open;
// the window check exists to block sends long after the last inbound.
func (r *Responder) windowOpen(req Request) bool {
	if req.Conversation.WindowExpiresAt == nil {
		return true
	}
	return req.Conversation.WindowOpen(r.now())
}

// persistOutbound stores the outbound row, touches the conversation, and
// counts the send against the tenant's outbound usage when it went out.
func (r *Responder) persistOutbound(ctx context.Context, req Request, msgType, body, providerID string) error {
	if _, err := repo.CreateOutboundMessage(ctx, r.db, req.Tenant.ID, req.Conversation.ID, msgType, body, providerID); err != nil {
		return err
	}
	if err := repo.TouchConversationOutbound(ctx, r.db, req.Conversation.ID, r.now().UTC()); err != nil {
		return err
	}
	if providerID != "" {
		if err := r.usage.Record(ctx, req.Tenant, repo.UsageOutbound); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("outbound usage record failed")
		}
	}
	return nil
}
