// Package respond turns a classified intent into an outbound reply: template
// lookup with a language/tone fallback chain, order-status formatting,
// product search with interactive lists, handoff with case creation, and a
// generated or generic reply as the terminal fallback.
package respond

import (
	"context"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// placeholderRE matches {{name}} tokens in template bodies.
var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{placeholder}} tokens in body from vars. Unresolved
// placeholders render as empty strings rather than leaking braces to the
// customer. Surrounding whitespace left by an empty substitution is
// collapsed.
func Render(body string, vars map[string]string) string {
	out := placeholderRE.ReplaceAllStringFunc(body, func(tok string) string {
		name := placeholderRE.FindStringSubmatch(tok)[1]
		return vars[name]
	})
	out = strings.Join(strings.Fields(out), " ")
	return out
}

// TemplateVars builds the substitution set from tenant profile and customer
// identity. Template authors reference these by name, e.g. {{business_hours}}.
func TemplateVars(t *domain.Tenant, c *domain.Customer) map[string]string {
	name := ""
	if c != nil {
		name = c.ProfileName
	}
	return map[string]string{
		"customer_name":   name,
		"business_name":   t.Name,
		"business_hours":  t.BusinessHours,
		"location":        t.Location,
		"shipping_policy": t.ShippingPolicy,
		"return_policy":   t.ReturnPolicy,
		"opt_out_hint":    "Reply STOP to unsubscribe.",
	}
}

// DefaultTone is the system-wide tone used as the last fallback candidate.
const DefaultTone = "friendly"

// DefaultLanguage is the system-wide language of last resort.
const DefaultLanguage = "en"

// ResolveTemplate walks the four-candidate fallback chain for (intent,
// conversation language, tenant defaults) and returns the first template
// found, or repo.ErrNotFound when the chain is exhausted.
//
// Chain, deduplicated in order:
//  1. (conversation language, tenant tone)
//  2. (tenant default language, tenant tone)
//  3. (conversation language, default tone)
//  4. (tenant default language, default tone)
func ResolveTemplate(ctx context.Context, db *gorm.DB, t *domain.Tenant, intent domain.Intent, convLang string) (*domain.ReplyTemplate, error) {
	defLang := t.DefaultLanguage
	if defLang == "" {
		defLang = DefaultLanguage
	}
	if convLang == "" {
		convLang = defLang
	}
	tenantTone := t.DefaultTone
	if tenantTone == "" {
		tenantTone = DefaultTone
	}

	type key struct{ lang, tone string }
	chain := []key{
		{convLang, tenantTone},
		{defLang, tenantTone},
		{convLang, DefaultTone},
		{defLang, DefaultTone},
	}

	seen := make(map[key]bool, len(chain))
	for _, k := range chain {
		if seen[k] {
			continue
		}
		seen[k] = true
		tpl, err := repo.FindTemplate(ctx, db, t.ID, intent, k.lang, k.tone)
		if err == nil {
			return tpl, nil
		}
		if err != repo.ErrNotFound {
			return nil, err
		}
	}
	return nil, repo.ErrNotFound
}
