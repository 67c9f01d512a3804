package bus

import "time"

// Event is a message published on the in-process bus. Kind is a dotted
// namespace string ("conn.status_changed", "push.notification:new") used
// for prefix-based subscription filtering.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
