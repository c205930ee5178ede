package classify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/genai"
)

// Fallback is the degraded result used when neither rules nor the model
// produce an acceptable label.
var Fallback = Result{Intent: domain.IntentOther, Confidence: 0.1}

// Classifier combines the rule cascade with the optional model fallback.
type Classifier struct {
	model genai.Client // nil when model calls are not configured
}

// NewClassifier constructs a Classifier. model may be nil.
func NewClassifier(model genai.Client) *Classifier {
	return &Classifier{model: model}
}

// Classify labels text.
//
// The rule cascade runs first. When it produces nothing and modelAllowed is
// true (the caller has checked the tenant's feature flag and model-call
// quota), the remote model is consulted with the recent turns as context.
// Model failure, sub-threshold confidence, or an out-of-set label all
// degrade to Fallback; classification never returns an error.
func (c *Classifier) Classify(ctx context.Context, text string, history []genai.Turn, modelAllowed bool) Result {
	if r, ok := MatchRules(text); ok {
		log.Ctx(ctx).Debug().
			Str("intent", string(r.Intent)).
			Float64("confidence", r.Confidence).
			Str("source", "rules").
			Msg("message classified")
		return r
	}

	if modelAllowed && c.model != nil {
		cls, err := c.model.ClassifyIntent(ctx, text, history)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("model classification failed")
			return Fallback
		}
		if !cls.Intent.Valid() || cls.Confidence < Threshold {
			// The call still happened; the fallback result must carry that.
			degraded := Fallback
			degraded.ModelUsed = true
			return degraded
		}
		log.Ctx(ctx).Debug().
			Str("intent", string(cls.Intent)).
			Float64("confidence", cls.Confidence).
			Str("source", "model").
			Msg("message classified")
		return Result{Intent: cls.Intent, Confidence: cls.Confidence, ModelUsed: true}
	}

	return Fallback
}
