package catalog

import "encoding/json"

// Definition describes one catalog event type: when it fires, how it is
// grouped in docs, and the shape of its payload.
type Definition struct {
	// Type is the public wire name.
	Type Type `json:"type"`

	// Description is a human-readable explanation of when this event fires.
	Description string `json:"description"`

	// Group is the category used to organize event types in docs and UI.
	Group string `json:"group"`

	// Schema is an optional JSON Schema describing the payload shape.
	// When set, event recording validates the payload against it.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Example is an optional example payload for documentation.
	Example json.RawMessage `json:"example,omitempty"`
}

// objectSchema is the baseline payload contract: a JSON object.
var objectSchema = json.RawMessage(`{"type":"object"}`)

var definitions = map[Type]Definition{
	TypeEmailSent: {
		Type:        TypeEmailSent,
		Description: "An outbound email was accepted by the upstream provider.",
		Group:       "email",
		Schema:      objectSchema,
		Example:     json.RawMessage(`{"message_id":"msg_01h2x","recipient":"ada@example.com"}`),
	},
	TypeEmailDelivered: {
		Type:        TypeEmailDelivered,
		Description: "The receiving mail server confirmed delivery.",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailBounced: {
		Type:        TypeEmailBounced,
		Description: "The receiving mail server permanently rejected the message.",
		Group:       "email",
		Schema:      objectSchema,
		Example:     json.RawMessage(`{"message_id":"msg_01h2x","recipient":"gone@example.com","bounce_type":"hard"}`),
	},
	TypeEmailComplained: {
		Type:        TypeEmailComplained,
		Description: "The recipient marked the message as spam.",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailOpened: {
		Type:        TypeEmailOpened,
		Description: "The recipient opened the message.",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailClicked: {
		Type:        TypeEmailClicked,
		Description: "The recipient clicked a tracked link in the message.",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailRejected: {
		Type:        TypeEmailRejected,
		Description: "The message was rejected before sending (policy or suppression).",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailRenderingFailed: {
		Type:        TypeEmailRenderingFailed,
		Description: "Template rendering failed and the message was not sent.",
		Group:       "email",
		Schema:      objectSchema,
	},
	TypeEmailInbound: {
		Type:        TypeEmailInbound,
		Description: "An inbound email was received and parsed.",
		Group:       "email",
		Schema:      objectSchema,
	},
}

// Lookup returns the definition for a type.
func Lookup(t Type) (Definition, bool) {
	def, ok := definitions[t]
	return def, ok
}

// Definitions returns all catalog definitions in stable order.
func Definitions() []Definition {
	all := All()
	defs := make([]Definition, 0, len(all))
	for _, t := range all {
		defs = append(defs, definitions[t])
	}
	return defs
}
