package respond

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
	"github.com/tbourn/go-bizchat-backend/internal/repo"
	"github.com/tbourn/go-bizchat-backend/internal/search"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

func newRespondDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("respond_test_%d.db", time.Now().UnixNano()))
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

	if err := db.AutoMigrate(migrate...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type sentText struct {
	to   string
	body string
}

type sentProduct struct {
	to         string
	catalogID  string
	retailerID string
	body       string
}

// fakeSender records outbound calls and hands out sequential provider ids.
type fakeSender struct {
	mu       sync.Mutex
	texts    []sentText
	lists    []wa.List
	products []sentProduct
	err      error
	seq      int
}

func (f *fakeSender) SendText(_ context.Context, _ wa.Channel, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.texts = append(f.texts, sentText{to: to, body: body})
	return fmt.Sprintf("wamid.%d", f.seq), nil
}

func (f *fakeSender) SendList(_ context.Context, _ wa.Channel, to string, list wa.List) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.lists = append(f.lists, list)
	return fmt.Sprintf("wamid.%d", f.seq), nil
}

func (f *fakeSender) SendProduct(_ context.Context, _ wa.Channel, to, catalogID, retailerID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.products = append(f.products, sentProduct{to: to, catalogID: catalogID, retailerID: retailerID, body: body})
	return fmt.Sprintf("wamid.%d", f.seq), nil
}

func (f *fakeSender) lastText(t *testing.T) sentText {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		t.Fatal("no text messages sent")
	}
	return f.texts[len(f.texts)-1]
}

// fakeReplyModel returns a canned generated reply.
type fakeReplyModel struct {
	reply string
	err   error
	calls int
}

func (f *fakeReplyModel) ClassifyIntent(context.Context, string, []genai.Turn) (genai.Classification, error) {
	return genai.Classification{}, nil
}

func (f *fakeReplyModel) GenerateReply(_ context.Context, _ genai.ReplyRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeUsage records usage fields without a backing store.
type fakeUsage struct {
	fields []repo.UsageField
}

func (f *fakeUsage) Record(_ context.Context, _ *domain.Tenant, field repo.UsageField) error {
	f.fields = append(f.fields, field)
	return nil
}

func (f *fakeUsage) recorded(field repo.UsageField) int {
	n := 0
	for _, got := range f.fields {
		if got == field {
			n++
		}
	}
	return n
}

type respondFixture struct {
	db     *gorm.DB
	sender *fakeSender
	usage  *fakeUsage
	r      *Responder
	req    Request
}

func newRespondFixture(t *testing.T, model genai.Client) *respondFixture {
	t.Helper()

	db := newRespondDB(t,
		&domain.Conversation{}, &domain.Message{}, &domain.SupportCase{},
		&domain.AutomationEvent{}, &domain.ReplyTemplate{}, &domain.Product{},
		&domain.Order{}, &domain.UsageCounter{})

	tenant := &domain.Tenant{
		ID:              "t1",
		Name:            "Ceylon Tees",
		DefaultLanguage: "en",
		DefaultTone:     "friendly",
		BusinessHours:   "9am-6pm",
		Location:        "Colombo",
	}
	customer := &domain.Customer{ID: "cust1", TenantID: "t1", WaID: "9477", ProfileName: "Amara", Phone: "+9477"}
	conv := &domain.Conversation{
		ID: "conv1", TenantID: "t1", CustomerID: "cust1", ChannelID: "ch1",
		Status: domain.StatusBot, Language: "en", CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	sender := &fakeSender{}
	usage := &fakeUsage{}
	r := NewResponder(db, sender, model, search.NewMatcher(), automation.NewEmitter(db), usage)

	return &respondFixture{
		db:     db,
		sender: sender,
		usage:  usage,
		r:      r,
		req: Request{
			Tenant:       tenant,
			Channel:      wa.Channel{PhoneNumberID: "pn1", AccessToken: "tok"},
			Customer:     customer,
			Conversation: conv,
			Language:     "en",
		},
	}
}

func (fx *respondFixture) outboundMessages(t *testing.T) []domain.Message {
	t.Helper()
	var msgs []domain.Message
	if err := fx.db.Where("direction = ?", domain.DirectionOut).Order("created_at").Find(&msgs).Error; err != nil {
		t.Fatalf("load outbound: %v", err)
	}
	return msgs
}

func TestRespond_TemplateReply(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	tpl := domain.ReplyTemplate{
		ID: "tpl1", TenantID: "t1", Intent: string(domain.IntentGreeting),
		Language: "en", Tone: "friendly",
		Body: "Hi {{customer_name}}, welcome to {{business_name}}!",
	}
	if err := fx.db.Create(&tpl).Error; err != nil {
		t.Fatalf("seed template: %v", err)
	}

	err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentGreeting, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if got := fx.sender.lastText(t); got.body != "Hi Amara, welcome to Ceylon Tees!" || got.to != "9477" {
		t.Fatalf("unexpected send: %+v", got)
	}

	msgs := fx.outboundMessages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound row, got %d", len(msgs))
	}
	if msgs[0].ProviderMessageID == nil || *msgs[0].ProviderMessageID == "" {
		t.Fatal("successful send should persist the provider id")
	}
	if fx.usage.recorded(repo.UsageOutbound) != 1 {
		t.Fatalf("expected one outbound usage record, got %v", fx.usage.fields)
	}

	var conv domain.Conversation
	if err := fx.db.First(&conv, "id = ?", "conv1").Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if conv.LastOutboundAt == nil {
		t.Fatal("outbound timestamp not touched")
	}
}

func TestRespond_Handoff_ComplaintOpensHighPriorityCase(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentComplaint, Confidence: 0.85})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	var conv domain.Conversation
	if err := fx.db.First(&conv, "id = ?", "conv1").Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if conv.Status != domain.StatusNeedsAgent {
		t.Fatalf("conversation should be needs_agent, got %s", conv.Status)
	}

	var sc domain.SupportCase
	if err := fx.db.First(&sc, "conversation_id = ?", "conv1").Error; err != nil {
		t.Fatalf("load case: %v", err)
	}
	if sc.Priority != repo.CasePriorityHigh || sc.Reason != string(domain.IntentComplaint) {
		t.Fatalf("unexpected case: %+v", sc)
	}

	var events []domain.AutomationEvent
	if err := fx.db.Order("created_at").Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("complaint should emit case_created plus high_priority, got %d", len(events))
	}
	if events[0].Type != domain.EventCaseCreated || events[1].Type != domain.EventHighPriority {
		t.Fatalf("unexpected event types: %s, %s", events[0].Type, events[1].Type)
	}

	// The customer still gets an acknowledgement.
	if got := fx.sender.lastText(t); !strings.Contains(got.body, "team") {
		t.Fatalf("unexpected handoff reply: %q", got.body)
	}
}

func TestRespond_Handoff_SpeakToHumanIsMediumPriority(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentSpeakToHuman, Confidence: 0.95})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	var sc domain.SupportCase
	if err := fx.db.First(&sc, "conversation_id = ?", "conv1").Error; err != nil {
		t.Fatalf("load case: %v", err)
	}
	if sc.Priority != repo.CasePriorityMedium {
		t.Fatalf("speak_to_human should open a medium case, got %s", sc.Priority)
	}

	var n int64
	if err := fx.db.Model(&domain.AutomationEvent{}).Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("medium priority should emit a single event, got %d", n)
	}
}

func TestRespond_OrderStatus(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	orders := []domain.Order{
		{ID: "o1", TenantID: "t1", Number: "ORD-1001", CustomerPhone: "+9477", Status: "shipped",
			TrackingCarrier: "DHL", TrackingNumber: "TRK-9", ItemsSummary: "2x T-Shirt", CreatedAt: time.Now().UTC()},
		{ID: "o2", TenantID: "t1", Number: "ORD-1002", CustomerPhone: "+9477", Status: "processing",
			CreatedAt: time.Now().UTC().Add(time.Second)},
	}
	for _, o := range orders {
		if err := fx.db.Create(&o).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	// Extracted order number: full detail with tracking.
	if err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentOrderStatus, Confidence: 0.95, Entity: "ORD-1001"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got := fx.sender.lastText(t)
	if !strings.Contains(got.body, "ORD-1001") || !strings.Contains(got.body, "shipped") || !strings.Contains(got.body, "TRK-9") {
		t.Fatalf("detail reply missing fields: %q", got.body)
	}

	// Unknown number: asks for a recheck rather than erroring.
	if err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentOrderStatus, Confidence: 0.95, Entity: "ORD-9999"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := fx.sender.lastText(t); !strings.Contains(got.body, "ORD-9999") {
		t.Fatalf("unknown-order reply should echo the number: %q", got.body)
	}

	// No number: summarizes the customer's recent orders.
	if err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentOrderStatus, Confidence: 0.6}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got = fx.sender.lastText(t)
	if !strings.Contains(got.body, "ORD-1001") || !strings.Contains(got.body, "ORD-1002") {
		t.Fatalf("summary reply should list both orders: %q", got.body)
	}
}

func TestRespond_OrderStatus_NoHistoryAsksForNumber(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	if err := fx.r.Respond(ctx, fx.req, classify.Result{Intent: domain.IntentOrderStatus, Confidence: 0.6}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := fx.sender.lastText(t); !strings.Contains(got.body, "order number") {
		t.Fatalf("expected a prompt for the order number, got %q", got.body)
	}
}

func TestRespond_ProductInquiry(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	products := []domain.Product{
		{ID: "p1", TenantID: "t1", SKU: "TS-RED", Name: "Red T-Shirt", Category: "shirts",
			Description: "Cotton crew neck", Price: 2500, Currency: "LKR", Stock: 12, Active: true},
		{ID: "p2", TenantID: "t1", SKU: "TS-BLU", Name: "Blue T-Shirt", Category: "shirts",
			Price: 2500, Currency: "LKR", Stock: 3, Active: true},
		{ID: "p3", TenantID: "t1", SKU: "CAP-01", Name: "Baseball Cap", Category: "hats",
			Price: 1200, Currency: "LKR", Stock: 7, Active: true},
	}
	for _, p := range products {
		if err := fx.db.Create(&p).Error; err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}

	// A list selection resolves straight to the detail card.
	req := fx.req
	req.Text = "Red T-Shirt"
	req.SelectionID = "sku:TS-RED"
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentProductInquiry, Confidence: 0.9}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got := fx.sender.lastText(t)
	if !strings.Contains(got.body, "Red T-Shirt") || !strings.Contains(got.body, "LKR 2500.00") || !strings.Contains(got.body, "In stock: 12") {
		t.Fatalf("card missing fields: %q", got.body)
	}

	// A broad query yields an interactive list grouped by category.
	req = fx.req
	req.Text = "do you have t-shirts?"
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentProductInquiry, Confidence: 0.6}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(fx.sender.lists) != 1 {
		t.Fatalf("expected an interactive list, got %d", len(fx.sender.lists))
	}
	list := fx.sender.lists[0]
	rows := 0
	for _, s := range list.Sections {
		for _, row := range s.Rows {
			rows++
			if !strings.HasPrefix(row.ID, "sku:") {
				t.Fatalf("row id should carry the sku prefix, got %q", row.ID)
			}
		}
	}
	if rows < 2 {
		t.Fatalf("expected both shirts in the list, got %d rows", rows)
	}

	// No plausible match apologizes instead of guessing.
	req = fx.req
	req.Text = "do you sell xylophones?"
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentProductInquiry, Confidence: 0.6}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := fx.sender.lastText(t); !strings.Contains(strings.ToLower(got.body), "sorry") {
		t.Fatalf("expected an apologetic reply, got %q", got.body)
	}
}

func TestRespond_ProductInquiry_CatalogReference(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	seed := domain.Product{
		ID: "p1", TenantID: "t1", SKU: "TS-RED", RetailerID: "ret-red-1",
		Name: "Red T-Shirt", Category: "shirts", Price: 2500, Currency: "LKR",
		Stock: 12, Active: true,
	}
	if err := fx.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	req := fx.req
	req.Channel.CatalogID = "cat-77"
	req.Text = "Red T-Shirt"
	req.SelectionID = "sku:TS-RED"
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentProductInquiry, Confidence: 0.9}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(fx.sender.products) != 1 {
		t.Fatalf("expected a catalog product send, got %d (texts: %d)", len(fx.sender.products), len(fx.sender.texts))
	}
	sent := fx.sender.products[0]
	if sent.catalogID != "cat-77" || sent.retailerID != "ret-red-1" {
		t.Fatalf("catalog mapping not forwarded: %+v", sent)
	}
	if !strings.Contains(sent.body, "Red T-Shirt") {
		t.Fatalf("card body missing product name: %q", sent.body)
	}

	// An unmapped product on the same channel falls back to a text card.
	plain := domain.Product{
		ID: "p2", TenantID: "t1", SKU: "TS-BLU", Name: "Blue T-Shirt",
		Category: "shirts", Price: 2500, Currency: "LKR", Stock: 3, Active: true,
	}
	if err := fx.db.Create(&plain).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	req.SelectionID = "sku:TS-BLU"
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentProductInquiry, Confidence: 0.9}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(fx.sender.products) != 1 {
		t.Fatalf("unmapped product must not use the catalog send")
	}
	if got := fx.sender.lastText(t); !strings.Contains(got.body, "Blue T-Shirt") {
		t.Fatalf("expected text card fallback, got %q", got.body)
	}
}

func TestRespond_ModelFallbackWhenNoTemplate(t *testing.T) {
	model := &fakeReplyModel{reply: "We ship island-wide within 3 days."}
	fx := newRespondFixture(t, model)
	ctx := context.Background()

	req := fx.req
	req.Text = "how long does delivery take?"
	req.ModelAllowed = true
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentOther, Confidence: 0.4}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if got := fx.sender.lastText(t); got.body != "We ship island-wide within 3 days." {
		t.Fatalf("expected the model reply, got %q", got.body)
	}
	if model.calls != 1 {
		t.Fatalf("expected one model call, got %d", model.calls)
	}
	if fx.usage.recorded(repo.UsageModelCalls) != 1 {
		t.Fatalf("model call not recorded: %v", fx.usage.fields)
	}
}

func TestRespond_GenericFallbackWhenModelNotAllowed(t *testing.T) {
	model := &fakeReplyModel{reply: "should not be used"}
	fx := newRespondFixture(t, model)
	ctx := context.Background()

	req := fx.req
	req.Text = "how long does delivery take?"
	// ModelAllowed stays false: quota or the tenant flag rules it out.
	if err := fx.r.Respond(ctx, req, classify.Result{Intent: domain.IntentOther, Confidence: 0.4}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if model.calls != 0 {
		t.Fatal("model should not be consulted when not allowed")
	}
	if got := fx.sender.lastText(t); !strings.Contains(got.body, "get back to you") {
		t.Fatalf("expected the generic fallback, got %q", got.body)
	}
	if fx.usage.recorded(repo.UsageModelCalls) != 0 {
		t.Fatalf("no model usage should be recorded: %v", fx.usage.fields)
	}
}

func TestSendText_FailurePersistsWithoutProviderID(t *testing.T) {
	fx := newRespondFixture(t, nil)
	fx.sender.err = fmt.Errorf("graph api unavailable")
	ctx := context.Background()

	if err := fx.r.SendText(ctx, fx.req, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msgs := fx.outboundMessages(t)
	if len(msgs) != 1 {
		t.Fatalf("failed send should still persist the row, got %d", len(msgs))
	}
	if msgs[0].ProviderMessageID != nil {
		t.Fatalf("failed send should have no provider id, got %v", *msgs[0].ProviderMessageID)
	}
	if fx.usage.recorded(repo.UsageOutbound) != 0 {
		t.Fatalf("failed send should not count toward outbound usage: %v", fx.usage.fields)
	}
}

func TestSendText_ClosedWindowBlocksSend(t *testing.T) {
	fx := newRespondFixture(t, nil)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Hour)
	fx.req.Conversation.WindowExpiresAt = &expired

	if err := fx.r.SendText(ctx, fx.req, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if len(fx.sender.texts) != 0 {
		t.Fatal("closed window must not reach the provider")
	}
	if msgs := fx.outboundMessages(t); len(msgs) != 1 || msgs[0].ProviderMessageID != nil {
		t.Fatalf("blocked send should persist an undelivered row, got %+v", msgs)
	}
}

func TestExtractProductQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"do you have red t-shirts?", "red t-shirts"},
		{"How much is the Baseball Cap", "baseball cap"},
		{"price of TS-RED", "ts-red"},
		{"looking for a gift for my sister", "gift my sister"},
		{"t-shirt", "t-shirt"},
	}
	for _, tc := range cases {
		if got := extractProductQuery(tc.in); got != tc.want {
			t.Fatalf("extractProductQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
