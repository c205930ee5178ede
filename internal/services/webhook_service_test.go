package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-bizchat-backend/internal/automation"
	"github.com/tbourn/go-bizchat-backend/internal/classify"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/genai"
	"github.com/tbourn/go-bizchat-backend/internal/observability"
	"github.com/tbourn/go-bizchat-backend/internal/quota"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/respond"
	"github.com/tbourn/go-bizchat-backend/internal/routing"
	"github.com/tbourn/go-bizchat-backend/internal/search"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("service_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := db.AutoMigrate(
		&domain.Tenant{}, &domain.TenantChannel{}, &domain.Customer{},
		&domain.Conversation{}, &domain.Message{}, &domain.UsageCounter{},
		&domain.ReplyTemplate{}, &domain.SupportCase{}, &domain.AutomationEvent{},
		&domain.Product{}, &domain.Order{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeTextSender records free-form sends and answers with sequential ids.
type fakeTextSender struct {
	mu    sync.Mutex
	texts []string
	lists []wa.List
	seq   int
}

func (f *fakeTextSender) SendText(_ context.Context, _ wa.Channel, _, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.texts = append(f.texts, body)
	return fmt.Sprintf("wamid.%d", f.seq), nil
}

func (f *fakeTextSender) SendList(_ context.Context, _ wa.Channel, _ string, list wa.List) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.lists = append(f.lists, list)
	return fmt.Sprintf("wamid.%d", f.seq), nil
}

func (f *fakeTextSender) SendProduct(context.Context, wa.Channel, string, string, string, string) (string, error) {
	return "", nil
}

func (f *fakeTextSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type pipelineFixture struct {
	db     *gorm.DB
	sender *fakeTextSender
	svc    *WebhookService
	tenant *domain.Tenant
}

func newPipelineFixture(t *testing.T, mutate func(*domain.Tenant)) *pipelineFixture {
	t.Helper()
	db := newServiceDB(t)

	tenant := &domain.Tenant{
		ID: "t1", Name: "Ceylon Tees", PlanID: "free", PlanStatus: "active",
		DefaultLanguage: "en", DefaultTone: "friendly", Active: true,
	}
	if mutate != nil {
		mutate(tenant)
	}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	ch := &domain.TenantChannel{
		ID: "ch1", TenantID: "t1", PhoneNumberID: "pn1", AccessToken: "tok", Active: true,
	}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	sender := &fakeTextSender{}
	enforcer := quota.NewEnforcer(quota.GormStore{DB: db})
	responder := respond.NewResponder(db, sender, nil, search.NewMatcher(), automation.NewEmitter(db), enforcer)
	routes := routing.NewResolver(func(ctx context.Context, phoneNumberID string) (*domain.TenantChannel, error) {
		return repo.ResolveChannel(ctx, db, phoneNumberID)
	}, 0)
	svc := NewWebhookService(db, routes, enforcer, classify.NewClassifier(nil), responder)

	return &pipelineFixture{db: db, sender: sender, svc: svc, tenant: tenant}
}

func inbound(id, text string) wa.InboundMessage {
	return wa.InboundMessage{
		PhoneNumberID: "pn1",
		From:          "94771234567",
		ProfileName:   "Amara",
		MessageID:     id,
		Timestamp:     time.Now().UTC(),
		Type:          "text",
		Text:          text,
	}
}

func TestProcessInbound_GreetingFlow(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	ctx := context.Background()

	outcome, err := fx.svc.ProcessInbound(ctx, inbound("m1", "Hello"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome != observability.OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}

	var customer domain.Customer
	if err := fx.db.First(&customer, "tenant_id = ? AND wa_id = ?", "t1", "94771234567").Error; err != nil {
		t.Fatalf("customer not created: %v", err)
	}
	if customer.Phone != "+94771234567" {
		t.Fatalf("phone not derived from wa_id: %q", customer.Phone)
	}

	var conv domain.Conversation
	if err := fx.db.First(&conv, "tenant_id = ?", "t1").Error; err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.WindowExpiresAt == nil {
		t.Fatal("messaging window not opened")
	}
	if conv.LastIntent != string(domain.IntentGreeting) {
		t.Fatalf("conversation intent = %q, want greeting", conv.LastIntent)
	}

	var msgs []domain.Message
	if err := fx.db.Order("created_at").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Direction != domain.DirectionIn || msgs[1].Direction != domain.DirectionOut {
		t.Fatalf("expected an in/out pair, got %+v", msgs)
	}
	if msgs[0].Intent == nil || *msgs[0].Intent != string(domain.IntentGreeting) {
		t.Fatalf("inbound intent not attached: %+v", msgs[0])
	}

	sent := fx.sender.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Ceylon Tees") {
		t.Fatalf("unexpected greeting reply: %v", sent)
	}

	usage, err := repo.GetUsage(ctx, fx.db, "t1", repo.Period(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.Inbound != 1 || usage.Outbound != 1 {
		t.Fatalf("usage = %+v, want 1 inbound / 1 outbound", usage)
	}
}

func TestProcessInbound_NoRoute(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	ctx := context.Background()

	msg := inbound("m1", "Hello")
	msg.PhoneNumberID = "unknown"
	outcome, err := fx.svc.ProcessInbound(ctx, msg)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome != observability.OutcomeNoRoute {
		t.Fatalf("outcome = %s, want no_route", outcome)
	}

	var n int64
	if err := fx.db.Model(&domain.Message{}).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 0 {
		t.Fatalf("unroutable message should leave no rows, got %d", n)
	}
}

func TestProcessInbound_DuplicateRedelivery(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	ctx := context.Background()

	if _, err := fx.svc.ProcessInbound(ctx, inbound("m1", "Hello")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := fx.svc.ProcessInbound(ctx, inbound("m1", "Hello"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != observability.OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}

	var n int64
	if err := fx.db.Model(&domain.Message{}).Where("direction = ?", domain.DirectionIn).Count(&n).Error; err != nil {
		t.Fatalf("count inbound: %v", err)
	}
	if n != 1 {
		t.Fatalf("redelivery must not duplicate rows, got %d", n)
	}
}

func TestProcessInbound_OptOutAndBack(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	ctx := context.Background()

	outcome, err := fx.svc.ProcessInbound(ctx, inbound("m1", "STOP"))
	if err != nil {
		t.Fatalf("ProcessInbound STOP: %v", err)
	}
	if outcome != observability.OutcomeOptedOut {
		t.Fatalf("outcome = %s, want opted_out", outcome)
	}

	var customer domain.Customer
	if err := fx.db.First(&customer, "wa_id = ?", "94771234567").Error; err != nil {
		t.Fatalf("load customer: %v", err)
	}
	if !customer.OptedOut {
		t.Fatal("customer should be opted out")
	}
	sent := fx.sender.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "unsubscribed") {
		t.Fatalf("expected an opt-out confirmation, got %v", sent)
	}

	// A regular message from an opted-out customer is dropped silently.
	outcome, err = fx.svc.ProcessInbound(ctx, inbound("m2", "what are your hours?"))
	if err != nil {
		t.Fatalf("ProcessInbound while opted out: %v", err)
	}
	if outcome != observability.OutcomeOptedOut {
		t.Fatalf("outcome = %s, want opted_out", outcome)
	}
	if got := fx.sender.sent(); len(got) != 1 {
		t.Fatalf("opted-out customer must not get replies, got %v", got)
	}

	// START re-subscribes and confirms.
	outcome, err = fx.svc.ProcessInbound(ctx, inbound("m3", "START"))
	if err != nil {
		t.Fatalf("ProcessInbound START: %v", err)
	}
	if outcome != observability.OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if err := fx.db.First(&customer, "wa_id = ?", "94771234567").Error; err != nil {
		t.Fatalf("reload customer: %v", err)
	}
	if customer.OptedOut {
		t.Fatal("customer should be opted back in")
	}
}

func TestProcessInbound_QuotaExhausted(t *testing.T) {
	one := 1
	fx := newPipelineFixture(t, func(tn *domain.Tenant) {
		tn.MaxInbound = &one
	})
	ctx := context.Background()

	if _, err := fx.svc.ProcessInbound(ctx, inbound("m1", "Hello")); err != nil {
		t.Fatalf("first message: %v", err)
	}

	outcome, err := fx.svc.ProcessInbound(ctx, inbound("m2", "where is my refund?"))
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if outcome != observability.OutcomeQuotaExhausted {
		t.Fatalf("outcome = %s, want quota_exhausted", outcome)
	}

	var conv domain.Conversation
	if err := fx.db.First(&conv, "tenant_id = ?", "t1").Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.Status != domain.StatusNeedsAgent {
		t.Fatalf("exhausted quota should hand off, got %s", conv.Status)
	}

	// The over-limit message itself is still stored for the agent.
	var n int64
	if err := fx.db.Model(&domain.Message{}).Where("direction = ?", domain.DirectionIn).Count(&n).Error; err != nil {
		t.Fatalf("count inbound: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both inbound rows, got %d", n)
	}

	sent := fx.sender.sent()
	if len(sent) != 2 || !strings.Contains(sent[1], "high volume") {
		t.Fatalf("expected the high-volume notice, got %v", sent)
	}

	// A third message adds no second notice: the conversation is already
	// with an agent.
	if _, err := fx.svc.ProcessInbound(ctx, inbound("m3", "hello?")); err != nil {
		t.Fatalf("third message: %v", err)
	}
	if got := fx.sender.sent(); len(got) != 2 {
		t.Fatalf("notice should be sent once, got %v", got)
	}
}

func TestProcessInbound_AgentOwnedStaysQuiet(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	ctx := context.Background()

	if _, err := fx.svc.ProcessInbound(ctx, inbound("m1", "I want to speak to a human")); err != nil {
		t.Fatalf("handoff message: %v", err)
	}
	var conv domain.Conversation
	if err := fx.db.First(&conv, "tenant_id = ?", "t1").Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.Status != domain.StatusNeedsAgent {
		t.Fatalf("expected needs_agent after handoff, got %s", conv.Status)
	}
	sentBefore := len(fx.sender.sent())

	outcome, err := fx.svc.ProcessInbound(ctx, inbound("m2", "are you there?"))
	if err != nil {
		t.Fatalf("follow-up message: %v", err)
	}
	if outcome != observability.OutcomeAgentOwned {
		t.Fatalf("outcome = %s, want agent_owned", outcome)
	}
	if got := fx.sender.sent(); len(got) != sentBefore {
		t.Fatalf("agent-owned conversation must not get bot replies, got %v", got)
	}

	// The follow-up is stored for the agent's view.
	var n int64
	if err := fx.db.Model(&domain.Message{}).Where("direction = ?", domain.DirectionIn).Count(&n).Error; err != nil {
		t.Fatalf("count inbound: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both inbound rows, got %d", n)
	}
}

// stubModel serves one canned classification for the fallback path.
type stubModel struct {
	cls   genai.Classification
	calls int
}

func (s *stubModel) ClassifyIntent(context.Context, string, []genai.Turn) (genai.Classification, error) {
	s.calls++
	return s.cls, nil
}

func (s *stubModel) GenerateReply(context.Context, genai.ReplyRequest) (string, error) {
	return "", genai.ErrDisabled
}

func TestProcessInbound_ModelClassificationRecordsUsage(t *testing.T) {
	fx := newPipelineFixture(t, func(tn *domain.Tenant) {
		tn.ModelFallbackEnabled = true
	})
	model := &stubModel{cls: genai.Classification{Intent: domain.IntentBusinessInfo, Confidence: 0.8}}
	fx.svc.Classifier = classify.NewClassifier(model)
	ctx := context.Background()

	if _, err := fx.svc.ProcessInbound(ctx, inbound("m1", "who runs this place anyway")); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d; want 1", model.calls)
	}

	usage, err := repo.GetUsage(ctx, fx.db, "t1", repo.Period(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if usage.ModelCalls != 1 {
		t.Fatalf("ModelCalls = %d; want 1", usage.ModelCalls)
	}
	if usage.Inbound != 1 {
		t.Fatalf("Inbound = %d; want 1", usage.Inbound)
	}
}
