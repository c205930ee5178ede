// Package domain defines the persistence models for the multi-tenant
// messaging pipeline: tenants and their channels, customers, conversations,
// messages, reply templates, support cases, catalog/order read models,
// automation events, and usage counters. These types are mapped with GORM
// and form the core data layer of the application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Tenant represents one business using the platform. Every other entity is
// scoped to a tenant; queries always filter by tenant id.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - PlanID: identifier of the active subscription plan (e.g. "pro").
//   - PlanStatus: "active" or "canceled"; a canceled subscription falls back
//     to LegacyPlan for quota purposes.
//   - LegacyPlan: plan name used before subscription billing; consulted only
//     when PlanStatus is canceled.
//   - MaxInbound/MaxOutbound/MaxAutomation/MaxModelCalls: optional per-tenant
//     overrides; a nil field defers to the plan default.
//   - DefaultLanguage / DefaultTone: template resolution defaults.
//   - ModelFallbackEnabled: gates remote-model classification and generation.
//   - BusinessHours, Location, ShippingPolicy, ReturnPolicy: profile text
//     substituted into reply templates.
//   - Active: inactive tenants are invisible to the router.
type Tenant struct {
	ID                   string         `json:"id"         gorm:"type:char(36);primaryKey"`
	Name                 string         `json:"name"       gorm:"type:varchar(255);not null"`
	PlanID               string         `json:"plan_id"    gorm:"type:varchar(32);not null;default:'free'"`
	PlanStatus           string         `json:"plan_status" gorm:"type:varchar(16);not null;default:'active'"`
	LegacyPlan           string         `json:"legacy_plan" gorm:"type:varchar(32)"`
	MaxInbound           *int           `json:"max_inbound,omitempty"`
	MaxOutbound          *int           `json:"max_outbound,omitempty"`
	MaxAutomation        *int           `json:"max_automation,omitempty"`
	MaxModelCalls        *int           `json:"max_model_calls,omitempty"`
	DefaultLanguage      string         `json:"default_language" gorm:"type:varchar(8);not null;default:'en'"`
	DefaultTone          string         `json:"default_tone"     gorm:"type:varchar(16);not null;default:'friendly'"`
	ModelFallbackEnabled bool           `json:"model_fallback_enabled" gorm:"not null;default:false"`
	BusinessHours        string         `json:"business_hours"  gorm:"type:varchar(255)"`
	Location             string         `json:"location"        gorm:"type:varchar(255)"`
	ShippingPolicy       string         `json:"shipping_policy" gorm:"type:text"`
	ReturnPolicy         string         `json:"return_policy"   gorm:"type:text"`
	Active               bool           `json:"active"          gorm:"not null;index"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// TenantChannel maps one WhatsApp Cloud API phone number to its owning
// tenant. A tenant may own several numbers; each number belongs to exactly
// one tenant (unique PhoneNumberID). The access token is the per-number
// Graph API bearer credential.
type TenantChannel struct {
	ID            string         `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID      string         `json:"tenant_id"       gorm:"type:char(36);not null;index"`
	PhoneNumberID string         `json:"phone_number_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	WabaID        string         `json:"waba_id"         gorm:"type:varchar(64)"`
	CatalogID     string         `json:"catalog_id"      gorm:"type:varchar(64)"`
	AccessToken   string         `json:"-"               gorm:"type:text;not null"`
	Active        bool           `json:"active"          gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`

	// Tenant is the owning business. Channels are cascade-deleted with it.
	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for TenantChannel.
func (TenantChannel) TableName() string { return "tenant_channels" }

// Customer is an end user messaging a tenant. Customers are unique per
// (tenant, WhatsApp id), created on first contact and never deleted.
//
// OptedOut customers receive no automated replies until they opt back in;
// OptOutAt records when the flag last flipped.
type Customer struct {
	ID          string     `json:"id"           gorm:"type:char(36);primaryKey"`
	TenantID    string     `json:"tenant_id"    gorm:"type:char(36);not null;uniqueIndex:ux_customer_tenant_wa,priority:1"`
	WaID        string     `json:"wa_id"        gorm:"type:varchar(32);not null;uniqueIndex:ux_customer_tenant_wa,priority:2"`
	ProfileName string     `json:"profile_name" gorm:"type:varchar(255)"`
	Phone       string     `json:"phone"        gorm:"type:varchar(32);index"`
	Language    string     `json:"language"     gorm:"type:varchar(8)"`
	OptedOut    bool       `json:"opted_out"    gorm:"not null;default:false"`
	OptOutAt    *time.Time `json:"opt_out_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Customer.
func (Customer) TableName() string { return "customers" }

// Conversation is the unit of dialogue between one customer and one tenant
// channel. At most one non-closed conversation exists per (tenant, customer,
// channel); a closed conversation is terminal and a later inbound message
// starts a fresh one.
//
// WindowExpiresAt implements the 24-hour messaging window: it is extended on
// every inbound message (never on outbound) and gates free-form sends.
type Conversation struct {
	ID              string             `json:"id"          gorm:"type:char(36);primaryKey"`
	TenantID        string             `json:"tenant_id"   gorm:"type:char(36);not null;index:idx_conv_tenant"`
	CustomerID      string             `json:"customer_id" gorm:"type:char(36);not null;index:idx_conv_customer"`
	ChannelID       string             `json:"channel_id"  gorm:"type:char(36);not null"`
	Status          ConversationStatus `json:"status"      gorm:"type:varchar(16);not null;default:'bot';index"`
	Language        string             `json:"language"    gorm:"type:varchar(8)"`
	LastIntent      string             `json:"last_intent" gorm:"type:varchar(32)"`
	AssignedAgent   *string            `json:"assigned_agent,omitempty" gorm:"type:varchar(64)"`
	LastInboundAt   *time.Time         `json:"last_inbound_at,omitempty"`
	LastOutboundAt  *time.Time         `json:"last_outbound_at,omitempty"`
	WindowExpiresAt *time.Time         `json:"window_expires_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`

	// Customer is the conversation owner on the end-user side.
	Customer Customer `json:"-" gorm:"foreignKey:CustomerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// WindowOpen reports whether the 24-hour messaging window is open at t.
func (c *Conversation) WindowOpen(t time.Time) bool {
	return c.WindowExpiresAt != nil && c.WindowExpiresAt.After(t)
}

// Message is a single inbound or outbound utterance. Rows are immutable once
// created, with one exception: an inbound message may have its classified
// intent and confidence attached after creation.
//
// ProviderMessageID is the WhatsApp-assigned id. For inbound messages it is
// the idempotency key (unique index); for outbound messages it is recorded
// when the send succeeds.
type Message struct {
	ID                string    `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID          string    `json:"tenant_id"       gorm:"type:char(36);not null;index"`
	ConversationID    string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_msg_conv,priority:1"`
	Direction         Direction `json:"direction"       gorm:"type:varchar(8);not null;check:direction IN ('in','out')"`
	Type              string    `json:"type"            gorm:"type:varchar(16);not null;default:'text'"`
	Body              string    `json:"body"            gorm:"type:text;not null"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	Intent            *string   `json:"intent,omitempty" gorm:"type:varchar(32)"`
	Confidence        *float64  `json:"confidence,omitempty"`
	CreatedAt         time.Time `json:"created_at" gorm:"index:idx_msg_conv,priority:2"`

	// Conversation is the parent dialogue. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ReplyTemplate is a tenant-authored reply body for one intent in one
// (language, tone) combination. Bodies carry {{placeholder}} tokens
// substituted at render time; see respond.Render.
type ReplyTemplate struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"type:char(36);not null;uniqueIndex:ux_tpl,priority:1"`
	Intent    string    `json:"intent"    gorm:"type:varchar(32);not null;uniqueIndex:ux_tpl,priority:2"`
	Language  string    `json:"language"  gorm:"type:varchar(8);not null;uniqueIndex:ux_tpl,priority:3"`
	Tone      string    `json:"tone"      gorm:"type:varchar(16);not null;uniqueIndex:ux_tpl,priority:4"`
	Body      string    `json:"body"      gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ReplyTemplate.
func (ReplyTemplate) TableName() string { return "reply_templates" }

// SupportCase is opened when a conversation is handed off to a human.
// Complaints open high-priority cases, other handoffs medium.
type SupportCase struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID       string    `json:"tenant_id"       gorm:"type:char(36);not null;index"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index"`
	Priority       string    `json:"priority"        gorm:"type:varchar(8);not null;check:priority IN ('high','medium')"`
	Reason         string    `json:"reason"          gorm:"type:varchar(255)"`
	Status         string    `json:"status"          gorm:"type:varchar(16);not null;default:'open'"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for SupportCase.
func (SupportCase) TableName() string { return "support_cases" }

// Product is the catalog read model consumed by the product-inquiry branch.
// The pipeline never writes products; it only searches active, in-stock rows.
type Product struct {
	ID          string    `json:"id"          gorm:"type:char(36);primaryKey"`
	TenantID    string    `json:"tenant_id"   gorm:"type:char(36);not null;uniqueIndex:ux_product_sku,priority:1"`
	SKU         string    `json:"sku"         gorm:"type:varchar(64);not null;uniqueIndex:ux_product_sku,priority:2"`
	RetailerID  string    `json:"retailer_id" gorm:"type:varchar(64)"` // Commerce Manager catalog item id
	Name        string    `json:"name"        gorm:"type:varchar(255);not null"`
	Description string    `json:"description" gorm:"type:text"`
	Category    string    `json:"category"    gorm:"type:varchar(64);index"`
	Price       float64   `json:"price"       gorm:"not null;default:0"`
	Currency    string    `json:"currency"    gorm:"type:varchar(8);not null;default:'USD'"`
	Stock       int       `json:"stock"       gorm:"not null;default:0"`
	Active      bool      `json:"active"      gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string { return "products" }

// Order is the order read model consumed by the order-status branch. Looked
// up either by order number or by the customer's phone.
type Order struct {
	ID              string    `json:"id"             gorm:"type:char(36);primaryKey"`
	TenantID        string    `json:"tenant_id"      gorm:"type:char(36);not null;uniqueIndex:ux_order_number,priority:1"`
	Number          string    `json:"number"         gorm:"type:varchar(32);not null;uniqueIndex:ux_order_number,priority:2"`
	CustomerPhone   string    `json:"customer_phone" gorm:"type:varchar(32);index"`
	Status          string    `json:"status"         gorm:"type:varchar(32);not null"`
	TrackingCarrier string    `json:"tracking_carrier" gorm:"type:varchar(64)"`
	TrackingNumber  string    `json:"tracking_number"  gorm:"type:varchar(64)"`
	Total           float64   `json:"total"          gorm:"not null;default:0"`
	Currency        string    `json:"currency"       gorm:"type:varchar(8);not null;default:'USD'"`
	ItemsSummary    string    `json:"items_summary"  gorm:"type:varchar(255)"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// AutomationEvent is a durable business-event record delivered to the
// external workflow engine with bounded retry (see the automation package
// for the state machine and backoff schedule).
//
// Payload is an opaque JSON document produced by the emitter.
type AutomationEvent struct {
	ID          string      `json:"id"        gorm:"type:char(36);primaryKey"`
	TenantID    string      `json:"tenant_id" gorm:"type:char(36);not null;index"`
	Type        EventType   `json:"type"      gorm:"type:varchar(32);not null"`
	Payload     string      `json:"payload"   gorm:"type:text;not null;default:'{}'"`
	Status      EventStatus `json:"status"    gorm:"type:varchar(16);not null;default:'pending';index:idx_event_due,priority:1"`
	Attempts    int         `json:"attempts"  gorm:"not null;default:0"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty" gorm:"index:idx_event_due,priority:2"`
	LastError   string      `json:"last_error" gorm:"type:varchar(512)"`
	CreatedAt   time.Time   `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName returns the database table name for AutomationEvent.
func (AutomationEvent) TableName() string { return "automation_events" }

// UsageCounter accumulates per-tenant monthly volume. Rows are created
// lazily on first increment for a period and updated with a single atomic
// upsert-with-increment, which is the only strict-atomicity requirement in
// the pipeline.
//
// Period is "YYYY-MM" in UTC.
type UsageCounter struct {
	TenantID   string    `json:"tenant_id" gorm:"type:char(36);primaryKey"`
	Period     string    `json:"period"    gorm:"type:char(7);primaryKey"`
	Inbound    int       `json:"inbound"     gorm:"not null;default:0"`
	Outbound   int       `json:"outbound"    gorm:"not null;default:0"`
	Automation int       `json:"automation"  gorm:"not null;default:0"`
	ModelCalls int       `json:"model_calls" gorm:"not null;default:0"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for UsageCounter.
func (UsageCounter) TableName() string { return "usage_counters" }
