// Package language decides which language a conversation's replies use.
//
// Resolution order, first hit wins:
//  1. explicit keyword override in the message ("english", "sinhala", ...)
//  2. script detection (enough Sinhala-script runes switches to Sinhala)
//  3. the conversation's sticky language from earlier turns
//  4. the tenant's default language
//
// Resolution is best-effort: it never fails, and callers persist the result
// outside the critical path so a storage hiccup cannot block a reply.
package language

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Supported language codes. Replies and templates key on these.
const (
	English = "en"
	Sinhala = "si"
)

// scriptThreshold is the minimum number of script-specific runes in a
// message before script detection switches the conversation language.
// Short fragments (a name, an emoji caption) stay in the current language.
const scriptThreshold = 3

// overrides maps normalized whole-message commands to a language code.
var overrides = map[string]string{
	"english":    English,
	"in english": English,
	"eng":        English,
	"sinhala":    Sinhala,
	"in sinhala": Sinhala,
	"සිංහල":      Sinhala,
}

// Override returns the language demanded by an explicit switch command, or
// "" when the message is not one. Matching is whole-message, case- and
// whitespace-insensitive, so ordinary sentences mentioning a language do
// not flip the conversation.
func Override(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	return overrides[key]
}

// DetectScript returns Sinhala when text contains at least scriptThreshold
// Sinhala-script runes, else "".
func DetectScript(text string) string {
	n := 0
	for _, r := range text {
		if unicode.Is(unicode.Sinhala, r) {
			n++
			if n >= scriptThreshold {
				return Sinhala
			}
		}
	}
	return ""
}

// Normalize canonicalizes a configured language code ("EN-us", "si-LK") to
// its base form. Unparseable or empty input normalizes to English.
func Normalize(code string) string {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return English
	}
	base, _ := tag.Base()
	return base.String()
}

// Resolve computes the active language for the current turn.
//
// conversationLang is the sticky value from earlier turns ("" if none);
// tenantDefault is the tenant's configured default.
func Resolve(text, conversationLang, tenantDefault string) string {
	if lang := Override(text); lang != "" {
		return lang
	}
	if lang := DetectScript(text); lang != "" {
		return lang
	}
	if conversationLang != "" {
		return conversationLang
	}
	return Normalize(tenantDefault)
}
