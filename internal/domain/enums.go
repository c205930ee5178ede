// Closed enumerations used across the pipeline. Keeping these as typed
// string constants (rather than branching on raw strings from external
// callers) makes new states and event kinds a compile-time decision.
package domain

// Direction marks a message as inbound (customer → business) or outbound.
type Direction string

// Message directions.
const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ConversationStatus is the conversation ownership state machine.
//
// Transitions:
//
//	bot → needs_agent        (handoff trigger or quota exhaustion)
//	needs_agent → agent      (human assignment)
//	agent → needs_agent      (unassignment)
//	any non-closed → closed  (explicit close; terminal)
type ConversationStatus string

// Conversation statuses.
const (
	StatusBot        ConversationStatus = "bot"
	StatusNeedsAgent ConversationStatus = "needs_agent"
	StatusAgent      ConversationStatus = "agent"
	StatusClosed     ConversationStatus = "closed"
)

// Automated reports whether the bot still owns the conversation, i.e. the
// classification and response stages are allowed to act on it.
func (s ConversationStatus) Automated() bool { return s == StatusBot }

// Terminal reports whether the status admits no further transitions.
func (s ConversationStatus) Terminal() bool { return s == StatusClosed }

// CanTransition reports whether moving from s to next is a legal step of the
// state machine. Self-transitions are allowed (idempotent updates).
func (s ConversationStatus) CanTransition(next ConversationStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusBot:
		return next == StatusNeedsAgent || next == StatusClosed
	case StatusNeedsAgent:
		return next == StatusAgent || next == StatusClosed
	case StatusAgent:
		return next == StatusNeedsAgent || next == StatusClosed
	case StatusClosed:
		return false
	default:
		return false
	}
}

// EventStatus is the automation-event delivery state machine.
//
//	pending → dispatched    (HTTP delivery accepted)
//	dispatched → delivered  (external system acknowledged by callback)
//	dispatched → failed     (external system reported failure by callback)
//	pending → pending       (delivery failed; attempts++, nextRetryAt set)
//	pending → failed        (terminal, after max attempts)
type EventStatus string

// Automation event statuses.
const (
	EventPending    EventStatus = "pending"
	EventDispatched EventStatus = "dispatched"
	EventDelivered  EventStatus = "delivered"
	EventFailed     EventStatus = "failed"
)

// EventType identifies the business occurrence an automation event carries.
type EventType string

// Automation event types.
const (
	EventCaseCreated  EventType = "case_created"
	EventHighPriority EventType = "high_priority"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCaseCreated, EventHighPriority:
		return true
	}
	return false
}

// Intent is the closed label set produced by classification. Rule matchers
// and the remote-model fallback are both constrained to these values.
type Intent string

// Classified intents, in rule-cascade priority order.
const (
	IntentOptOut         Intent = "opt_out"
	IntentOptIn          Intent = "opt_in"
	IntentSpeakToHuman   Intent = "speak_to_human"
	IntentComplaint      Intent = "complaint"
	IntentGreeting       Intent = "greeting"
	IntentRefundCancel   Intent = "refund_cancel"
	IntentOrderStatus    Intent = "order_status"
	IntentBusinessInfo   Intent = "business_info"
	IntentProductInquiry Intent = "product_inquiry"
	IntentOther          Intent = "other"
)

// KnownIntents is the full label set, used to constrain model output.
var KnownIntents = []Intent{
	IntentOptOut, IntentOptIn, IntentSpeakToHuman, IntentComplaint,
	IntentGreeting, IntentRefundCancel, IntentOrderStatus,
	IntentBusinessInfo, IntentProductInquiry, IntentOther,
}

// Valid reports whether i is a member of the closed label set.
func (i Intent) Valid() bool {
	for _, k := range KnownIntents {
		if i == k {
			return true
		}
	}
	return false
}
