package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel holds the per-number Graph API credentials an outbound send needs.
// CatalogID is set only for numbers connected to a Commerce Manager catalog.
type Channel struct {
	PhoneNumberID string
	AccessToken   string
	CatalogID     string
}

// Sender is the outbound surface the response engine depends on. Every send
// reports the provider-assigned message id on success so it can be persisted
// with the outbound row.
type Sender interface {
	SendText(ctx context.Context, ch Channel, to, body string) (string, error)
	SendList(ctx context.Context, ch Channel, to string, list List) (string, error)
	SendProduct(ctx context.Context, ch Channel, to, catalogID, retailerID, body string) (string, error)
}

// GraphClient implements Sender over the Graph API's
// /{phone_number_id}/messages endpoint.
type GraphClient struct {
	base  string // e.g. "https://graph.facebook.com/v21.0"
	httpc *http.Client
}

// NewGraphClient constructs a GraphClient against base with a per-request
// timeout. The base URL is overridable so tests can point at a local server.
func NewGraphClient(base string, timeout time.Duration) *GraphClient {
	return &GraphClient{
		base:  base,
		httpc: &http.Client{Timeout: timeout},
	}
}

// sendResponse is the subset of the Graph reply we consume.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// maxErrBody caps how much of an error response body lands in the error.
const maxErrBody = 512

// send posts payload to the channel's messages endpoint and returns the
// provider message id.
func (g *GraphClient) send(ctx context.Context, ch Channel, payload map[string]any) (string, error) {
	payload["messaging_product"] = "whatsapp"
	payload["recipient_type"] = "individual"

	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := g.base + "/" + ch.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+ch.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return "", fmt.Errorf("wa: send returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("wa: decode send response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("wa: send response carried no message id")
	}
	return out.Messages[0].ID, nil
}

// SendText delivers a free-form text message.
func (g *GraphClient) SendText(ctx context.Context, ch Channel, to, body string) (string, error) {
	return g.send(ctx, ch, map[string]any{
		"to":   to,
		"type": "text",
		"text": map[string]any{"body": body},
	})
}

// SendList delivers an interactive selection list. The list is clamped to
// the channel's length limits before sending.
func (g *GraphClient) SendList(ctx context.Context, ch Channel, to string, list List) (string, error) {
	list = list.Clamp()
	return g.send(ctx, ch, map[string]any{
		"to":   to,
		"type": "interactive",
		"interactive": map[string]any{
			"type": "list",
			"body": map[string]any{"text": list.BodyText},
			"action": map[string]any{
				"button":   list.ButtonText,
				"sections": list.Sections,
			},
		},
	})
}

// SendProduct delivers a catalog product reference message.
func (g *GraphClient) SendProduct(ctx context.Context, ch Channel, to, catalogID, retailerID, body string) (string, error) {
	return g.send(ctx, ch, map[string]any{
		"to":   to,
		"type": "interactive",
		"interactive": map[string]any{
			"type": "product",
			"body": map[string]any{"text": body},
			"action": map[string]any{
				"catalog_id":          catalogID,
				"product_retailer_id": retailerID,
			},
		},
	})
}
