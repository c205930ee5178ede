// Package wa speaks the WhatsApp Cloud API: it parses inbound webhook
// envelopes into normalized message records and sends outbound messages
// through the Graph API.
package wa

import (
	"encoding/json"
	"strconv"
	"time"
)

// Envelope is the raw webhook body posted by the provider. Deliveries
// batch entries, each wrapping changes whose value holds the receiving
// number's metadata, contact profiles, and messages.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one account-level batch inside an Envelope.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change wraps one value object of a webhook delivery.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the messages of one change plus routing metadata.
type Value struct {
	MessagingProduct string       `json:"messaging_product"`
	Metadata         Metadata     `json:"metadata"`
	Contacts         []Contact    `json:"contacts"`
	Messages         []RawMessage `json:"messages"`
}

// Metadata identifies the business number the delivery targets.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender's profile as reported by the provider.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// RawMessage is one inbound message as delivered on the wire.
type RawMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds, as a string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
	Interactive *struct {
		Type      string `json:"type"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// InboundMessage is the normalized record the pipeline consumes.
//
// Text holds the extracted content: the text body, the pressed button's
// label, or the selected list row's title. SelectionID is set only for
// interactive replies and carries the row/button id the business chose.
type InboundMessage struct {
	PhoneNumberID string
	From          string // sender wa_id
	ProfileName   string
	MessageID     string // provider message id, the idempotency key
	Timestamp     time.Time
	Type          string
	Text          string
	SelectionID   string
}

// ParseEnvelope decodes body and flattens it into normalized inbound
// messages. Unsupported message types (media, reactions) and status-only
// deliveries yield no records; that is not an error. A non-JSON body is.
func ParseEnvelope(body []byte) ([]InboundMessage, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	var out []InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := map[string]string{}
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				im := InboundMessage{
					PhoneNumberID: v.Metadata.PhoneNumberID,
					From:          m.From,
					ProfileName:   names[m.From],
					MessageID:     m.ID,
					Timestamp:     parseTimestamp(m.Timestamp),
					Type:          m.Type,
				}
				switch {
				case m.Text != nil:
					im.Text = m.Text.Body
				case m.Button != nil:
					im.Text = m.Button.Text
					im.SelectionID = m.Button.Payload
				case m.Interactive != nil && m.Interactive.ListReply != nil:
					im.Text = m.Interactive.ListReply.Title
					im.SelectionID = m.Interactive.ListReply.ID
				case m.Interactive != nil && m.Interactive.ButtonReply != nil:
					im.Text = m.Interactive.ButtonReply.Title
					im.SelectionID = m.Interactive.ButtonReply.ID
				default:
					continue // media and other unsupported types
				}
				out = append(out, im)
			}
		}
	}
	return out, nil
}

// parseTimestamp converts the provider's unix-seconds string; a malformed
// value falls back to now rather than dropping the message.
func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
