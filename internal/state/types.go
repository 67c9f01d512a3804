package state

import "encoding/json"

// Notification is a synchronized notification record.
type Notification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	IsRead     bool   `json:"isRead"`
	CreatedAt  int64  `json:"createdAt"`
	SourceType string `json:"sourceType"`
}

// WorkspaceStatus is the synchronized status of one workspace.
type WorkspaceStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Activity is one activity-feed entry.
type Activity struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Actor       string `json:"actor"`
	Summary     string `json:"summary"`
	CreatedAt   int64  `json:"createdAt"`
}

// Snapshot holds all synchronized slices. Every slice is unique by ID and
// UnreadCount always equals the number of unread notifications.
type Snapshot struct {
	Notifications []Notification
	UnreadCount   int
	Workspaces    []WorkspaceStatus
	Activity      []Activity
}

// Event is a canonical inbound event: deduplicated, staleness-filtered,
// and guaranteed to be applied at most once.
type Event struct {
	Type     string
	EntityID string
	Version  int64
	Payload  json.RawMessage
}

// notificationID returns the notification identity for this event: the
// entity id when the frame carried one, otherwise the id embedded in the
// payload (the same fallback the merge applies).
func (e Event) notificationID() string {
	if e.EntityID != "" {
		return e.EntityID
	}
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(e.Payload, &p)
	return p.ID
}

// Canonical event types.
const (
	EventNotificationNew     = "notification:new"
	EventNotificationUpdated = "notification:updated"
	EventWorkspaceStatus     = "workspace:status-changed"
	EventActivityNew         = "activity:new"
)

// NotificationUpdate is the payload of a notification:updated event.
// Pointer fields distinguish "not present" from zero values.
type NotificationUpdate struct {
	IsRead  *bool   `json:"isRead,omitempty"`
	Title   *string `json:"title,omitempty"`
	Message *string `json:"message,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
}
