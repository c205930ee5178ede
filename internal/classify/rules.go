// Package classify labels inbound messages with an intent.
//
// Classification runs a deterministic rule cascade in a fixed priority
// order; the first rule reporting confidence at or above the acceptance
// threshold wins and short-circuits the rest. When no rule fires, an
// optional remote-model fallback (gated by the caller on tenant feature
// flag and model-call quota) is consulted, and anything it produces below
// the threshold or outside the closed label set degrades to (other, 0.1).
package classify

import (
	"regexp"
	"strings"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
)

// Result is one classification outcome. Entity carries a rule-extracted
// token when the rule found one (currently the order number).
type Result struct {
	Intent     domain.Intent
	Confidence float64
	Entity     string

	// ModelUsed marks results that consumed a remote model call, so the
	// caller can record it against the tenant's model-call quota.
	ModelUsed bool
}

// Threshold is the minimum confidence for a rule or model result to be
// accepted as-is.
const Threshold = 0.5

// wholeMessage reports whether text, lowercased and trimmed, is exactly one
// of the given phrases.
func wholeMessage(text string, phrases ...string) bool {
	key := strings.ToLower(strings.TrimSpace(text))
	key = strings.TrimRight(key, "!.?")
	for _, p := range phrases {
		if key == p {
			return true
		}
	}
	return false
}

// containsAny reports whether the lowercased text contains any phrase.
func containsAny(text string, phrases ...string) bool {
	t := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// MatchOptOut reports an opt-out or opt-in command. It is exposed
// separately because the pipeline short-circuits on these before any other
// processing; the cascade's first rule delegates here.
func MatchOptOut(text string) (domain.Intent, bool) {
	switch {
	case wholeMessage(text, "stop", "stop all", "unsubscribe", "opt out", "opt-out", "no more messages"):
		return domain.IntentOptOut, true
	case wholeMessage(text, "start", "subscribe", "opt in", "opt-in", "unstop"):
		return domain.IntentOptIn, true
	}
	return "", false
}

// orderNumberRE matches order tokens like "ORD-10234", "#48211" or "AB-2041".
// The '#' alternative is anchored on start-or-space instead of \b because '#'
// is not a word character and \b would never match before it.
var orderNumberRE = regexp.MustCompile(`(?i)(?:^|\s)(ord-?\d{3,}|#\d{3,}|[a-z]{2,4}-\d{3,})\b`)

// ExtractOrderNumber pulls the first order-number token out of text,
// normalized to upper case without a leading '#'. Returns "" when none.
func ExtractOrderNumber(text string) string {
	m := orderNumberRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimPrefix(m[1], "#"))
}

// rules is the cascade in priority order. Each returns the zero Result for
// no match.
var rules = []func(text string) Result{
	func(text string) Result {
		if intent, ok := MatchOptOut(text); ok {
			return Result{Intent: intent, Confidence: 1.0}
		}
		return Result{}
	},
	func(text string) Result {
		if containsAny(text,
			"speak to a human", "talk to a human", "talk to a person", "real person",
			"human agent", "speak to an agent", "talk to an agent", "agent please",
			"customer service", "customer support",
		) {
			return Result{Intent: domain.IntentSpeakToHuman, Confidence: 0.95}
		}
		return Result{}
	},
	func(text string) Result {
		if containsAny(text,
			"complaint", "complain", "terrible", "awful", "worst", "very disappointed",
			"disappointed", "unacceptable", "damaged", "broken", "never again", "scam",
		) {
			return Result{Intent: domain.IntentComplaint, Confidence: 0.85}
		}
		return Result{}
	},
	func(text string) Result {
		if wholeMessage(text,
			"hi", "hello", "hey", "hi there", "hello there", "good morning",
			"good afternoon", "good evening", "ayubowan", "ආයුබෝවන්",
		) {
			return Result{Intent: domain.IntentGreeting, Confidence: 0.9}
		}
		return Result{}
	},
	func(text string) Result {
		if containsAny(text,
			"refund", "money back", "cancel my order", "cancel the order",
			"want to cancel", "return this", "return my",
		) {
			return Result{Intent: domain.IntentRefundCancel, Confidence: 0.85}
		}
		return Result{}
	},
	func(text string) Result {
		entity := ExtractOrderNumber(text)
		keyword := containsAny(text,
			"where is my order", "order status", "track my", "tracking",
			"my order", "my delivery", "has it shipped", "shipped yet", "delivery status",
		)
		switch {
		case entity != "" && keyword:
			return Result{Intent: domain.IntentOrderStatus, Confidence: 0.95, Entity: entity}
		case entity != "":
			return Result{Intent: domain.IntentOrderStatus, Confidence: 0.8, Entity: entity}
		case keyword:
			return Result{Intent: domain.IntentOrderStatus, Confidence: 0.6}
		}
		return Result{}
	},
	func(text string) Result {
		if containsAny(text,
			"opening hours", "business hours", "what time are you open", "when are you open",
			"are you open", "where are you located", "your location", "your address",
			"how do i find you",
		) {
			return Result{Intent: domain.IntentBusinessInfo, Confidence: 0.75}
		}
		return Result{}
	},
	func(text string) Result {
		if containsAny(text,
			"price", "how much", "cost of", "do you have", "do you sell", "do you stock",
			"in stock", "available", "availability", "looking for", "i want to buy",
		) {
			return Result{Intent: domain.IntentProductInquiry, Confidence: 0.6}
		}
		return Result{}
	},
}

// MatchRules runs the cascade and returns the first result at or above
// Threshold, or false when nothing fires.
func MatchRules(text string) (Result, bool) {
	for _, rule := range rules {
		if r := rule(text); r.Intent != "" && r.Confidence >= Threshold {
			return r, true
		}
	}
	return Result{}, false
}

// ShouldHandoff decides whether a classified message routes to a human.
// Speak-to-human and complaint always hand off; an unconfident "other"
// (confidence below 0.3) does too. Pure function of its inputs.
func ShouldHandoff(intent domain.Intent, confidence float64) bool {
	switch intent {
	case domain.IntentSpeakToHuman, domain.IntentComplaint:
		return true
	case domain.IntentOther:
		return confidence < 0.3
	default:
		return false
	}
}
