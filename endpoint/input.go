package endpoint

// Input is the creation payload for endpoints.
type Input struct {
	// Name is a human-readable label.
	Name string `json:"name"`

	// URL is the delivery URL. Must use the https scheme.
	URL string `json:"url"`

	// EventTypes are the event type subscriptions. Every entry must name a
	// catalog type or a wildcard pattern matching at least one catalog type.
	EventTypes []string `json:"event_types"`

	// Headers are custom HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// RateLimit is the maximum deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`
}

// Update is the partial-update payload for endpoints. Nil fields are left
// unchanged.
type Update struct {
	Name       *string           `json:"name,omitempty"`
	URL        *string           `json:"url,omitempty"`
	EventTypes []string          `json:"event_types,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	RateLimit  *int              `json:"rate_limit,omitempty"`
}
