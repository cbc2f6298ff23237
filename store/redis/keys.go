package redis

// Key prefixes for primary entity storage.
const (
	prefixEndpoint = "webhook:ep:"
	prefixEvent    = "webhook:evt:"
	prefixDelivery = "webhook:del:"
	prefixDLQ      = "webhook:dlq:"
)

// Key prefixes for unique indexes.
const (
	uniqueEventIdem = "webhook:u:evt:idem:" // + idempotency key
	sDeliveryPairs  = "webhook:s:del:pairs" // endpointID|eventID members
)

// Key prefixes for sorted set indexes.
const (
	zEndpointTenant = "webhook:z:ep:tenant:" // + tenant ID
	zEventAll       = "webhook:z:evt:all"
	zEventTenant    = "webhook:z:evt:tenant:" // + tenant ID
	zDeliveryEP     = "webhook:z:del:ep:"     // + endpoint ID
	zDeliveryEvt    = "webhook:z:del:evt:"    // + event ID
	zDeliveryDue    = "webhook:z:del:due"
	zDLQAll         = "webhook:z:dlq:all"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// pairMember is the dedup set member for one (endpoint, event) pair.
func pairMember(endpointID, eventID string) string {
	return endpointID + "|" + eventID
}
