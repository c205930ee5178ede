// Package genai wraps the remote model used as a fallback for intent
// classification and reply generation.
//
// Calls are bounded by a per-call timeout and a small retry budget with
// exponential backoff. Failures are reported as errors and must never abort
// the surrounding pipeline; callers degrade to the next strategy in their
// chain (rule result, template, generic reply).
package genai

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tbourn/go-bizchat-backend/internal/config"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/utils"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("genai: model calls disabled")

// ErrEmptyCompletion is returned when the model responds without content.
var ErrEmptyCompletion = errors.New("genai: empty completion")

// Turn is one prior utterance supplied as conversation context.
type Turn struct {
	Role string // RoleCustomer or RoleBusiness
	Text string
}

// Context roles for Turn.
const (
	RoleCustomer = "customer"
	RoleBusiness = "business"
)

// Classification is a model-produced intent label with its confidence.
type Classification struct {
	Intent     domain.Intent
	Confidence float64
}

// ReplyRequest carries everything the model needs to draft a reply in the
// tenant's voice.
type ReplyRequest struct {
	Text         string // the customer's message
	History      []Turn
	Language     string
	Tone         string
	BusinessName string
	Policies     string // shipping/return policy excerpt, may be empty
}

// Client is the model surface the pipeline depends on. Production code uses
// OpenAI; tests substitute fakes.
type Client interface {
	ClassifyIntent(ctx context.Context, text string, history []Turn) (Classification, error)
	GenerateReply(ctx context.Context, req ReplyRequest) (string, error)
}

// OpenAI implements Client over the OpenAI chat-completions API.
type OpenAI struct {
	api openai.Client
	cfg config.ModelConfig
}

// NewOpenAI constructs an OpenAI client from cfg. The returned client is
// safe for concurrent use.
func NewOpenAI(cfg config.ModelConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{api: openai.NewClient(opts...), cfg: cfg}
}

// retryBaseDelay is the first backoff step; each further attempt doubles it.
const retryBaseDelay = 500 * time.Millisecond

// complete issues one chat completion with timeout and bounded retry.
func (o *OpenAI) complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, maxTokens int64) (string, error) {
	if o.cfg.APIKey == "" {
		return "", ErrDisabled
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		resp, err := o.api.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(o.cfg.Name),
			Messages:    msgs,
			Temperature: openai.Float(0.2),
			MaxTokens:   openai.Int(maxTokens),
		})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			lastErr = ErrEmptyCompletion
			continue
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}
	return "", lastErr
}

// ClassifyIntent asks the model for an intent label constrained to the
// closed label set, with the last few turns as context. Out-of-set answers
// and unparseable output degrade to (other, 0.1) rather than erroring, so
// only transport failures surface as errors.
func (o *OpenAI) ClassifyIntent(ctx context.Context, text string, history []Turn) (Classification, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(classifyPrompt()),
	}
	msgs = append(msgs, historyMessages(history)...)
	msgs = append(msgs, openai.UserMessage(text))

	out, err := o.complete(ctx, msgs, 16)
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(out), nil
}

// GenerateReply asks the model to draft a reply in the tenant's tone and
// language, hard-capped to the configured rune limit.
func (o *OpenAI) GenerateReply(ctx context.Context, req ReplyRequest) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(replyPrompt(req)),
	}
	msgs = append(msgs, historyMessages(req.History)...)
	msgs = append(msgs, openai.UserMessage(req.Text))

	out, err := o.complete(ctx, msgs, 512)
	if err != nil {
		return "", err
	}
	return utils.TruncateRunes(out, o.cfg.MaxReplyRunes), nil
}

// classifyPrompt builds the fixed classification instruction.
func classifyPrompt() string {
	labels := make([]string, 0, len(domain.KnownIntents))
	for _, i := range domain.KnownIntents {
		labels = append(labels, string(i))
	}
	var b strings.Builder
	b.WriteString("You classify a customer's chat message for a business messaging assistant.\n")
	b.WriteString("Allowed labels: ")
	b.WriteString(strings.Join(labels, ", "))
	b.WriteString(".\nAnswer with exactly one line: <label> <confidence between 0 and 1>. No other text.")
	return b.String()
}

// replyPrompt builds the per-tenant reply instruction.
func replyPrompt(req ReplyRequest) string {
	var b strings.Builder
	b.WriteString("You are the ")
	tone := req.Tone
	if tone == "" {
		tone = "friendly"
	}
	b.WriteString(tone)
	b.WriteString(" customer assistant of ")
	if req.BusinessName != "" {
		b.WriteString(req.BusinessName)
	} else {
		b.WriteString("a small business")
	}
	b.WriteString(" on WhatsApp. Answer briefly in language code ")
	if req.Language != "" {
		b.WriteString(req.Language)
	} else {
		b.WriteString("en")
	}
	b.WriteString(".")
	if req.Policies != "" {
		b.WriteString(" Relevant policies:\n")
		b.WriteString(req.Policies)
	}
	b.WriteString("\nNever invent order details or prices. If unsure, offer to connect a human agent.")
	return b.String()
}

// historyMessages converts prior turns to chat messages, customer turns as
// user messages and business turns as assistant messages.
func historyMessages(history []Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, t := range history {
		if t.Role == RoleBusiness {
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Text))
		}
	}
	return msgs
}

// degraded is the classification used for out-of-set or unparseable output.
var degraded = Classification{Intent: domain.IntentOther, Confidence: 0.1}

// parseClassification parses "<label> <confidence>" model output. Anything
// outside the closed label set, or with a confidence outside [0,1], degrades
// to (other, 0.1). A missing confidence defaults to 0.5.
func parseClassification(out string) Classification {
	fields := strings.Fields(strings.ToLower(out))
	if len(fields) == 0 {
		return degraded
	}
	intent := domain.Intent(strings.Trim(fields[0], ".,:"))
	if !intent.Valid() {
		return degraded
	}
	conf := 0.5
	if len(fields) > 1 {
		f, err := strconv.ParseFloat(strings.Trim(fields[1], ".,"), 64)
		if err != nil || f < 0 || f > 1 {
			return degraded
		}
		conf = f
	}
	return Classification{Intent: intent, Confidence: conf}
}

