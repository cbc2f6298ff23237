// Package catalog defines the closed set of webhook event types and the
// mapping from internal pipeline event names to their public wire names.
//
// The catalog is static: endpoints may only subscribe to types listed here,
// and producers may only record events of these types. Unknown internal
// names map to TypeUnknown rather than erroring, so the mapping is total.
package catalog

// Type is a public webhook event type name as it appears on the wire.
type Type string

// The fixed event type catalog.
const (
	TypeEmailSent            Type = "email.sent"
	TypeEmailDelivered       Type = "email.delivered"
	TypeEmailBounced         Type = "email.bounced"
	TypeEmailComplained      Type = "email.complained"
	TypeEmailOpened          Type = "email.opened"
	TypeEmailClicked         Type = "email.clicked"
	TypeEmailRejected        Type = "email.rejected"
	TypeEmailRenderingFailed Type = "email.rendering_failed"
	TypeEmailInbound         Type = "email.inbound"

	// TypeUnknown is the fallback for internal event names with no public
	// mapping. Events of this type are never recorded or delivered.
	TypeUnknown Type = ""
)

// String returns the wire name of the type.
func (t Type) String() string { return string(t) }

// Known reports whether t is part of the fixed catalog.
func Known(t Type) bool {
	_, ok := definitions[t]
	return ok
}

// All returns every catalog type in stable wire-name order.
func All() []Type {
	return []Type{
		TypeEmailSent,
		TypeEmailDelivered,
		TypeEmailBounced,
		TypeEmailComplained,
		TypeEmailOpened,
		TypeEmailClicked,
		TypeEmailRejected,
		TypeEmailRenderingFailed,
		TypeEmailInbound,
	}
}

// internalNames maps internal pipeline event names to public types.
// The send pipeline and the inbound processor report occurrences under
// these short names.
var internalNames = map[string]Type{
	"sent":             TypeEmailSent,
	"delivered":        TypeEmailDelivered,
	"bounced":          TypeEmailBounced,
	"complained":       TypeEmailComplained,
	"opened":           TypeEmailOpened,
	"clicked":          TypeEmailClicked,
	"rejected":         TypeEmailRejected,
	"rendering_failed": TypeEmailRenderingFailed,
	"inbound":          TypeEmailInbound,
}

// FromInternal maps an internal pipeline event name to its public type.
// Public wire names are accepted as-is. Anything else maps to TypeUnknown.
func FromInternal(name string) Type {
	if t, ok := internalNames[name]; ok {
		return t
	}
	if t := Type(name); Known(t) {
		return t
	}
	return TypeUnknown
}
