package transport

import "encoding/json"

// Frame is an inbound push message from the server. Domain events carry an
// EntityID plus a Version or ServerTS for per-entity ordering; control
// frames (room:joined, action:ack, ...) carry the relevant key in ID.
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	EntityID string          `json:"entityId,omitempty"`
	Version  int64           `json:"version,omitempty"`
	ServerTS int64           `json:"serverTimestamp,omitempty"`
	Room     string          `json:"room,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// OrderKey returns the value used for last-write-wins ordering: the
// explicit version when present, otherwise the server timestamp.
func (f Frame) OrderKey() int64 {
	if f.Version != 0 {
		return f.Version
	}
	return f.ServerTS
}

// Request is an outbound message: a room join/leave control message or a
// mutation tagged with an idempotency key.
type Request struct {
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
	Room           string `json:"room,omitempty"`
}

// Control frame types emitted by the server.
const (
	FrameRoomJoined     = "room:joined"
	FrameRoomRejected   = "room:rejected"
	FrameActionAck      = "action:ack"
	FrameActionRejected = "action:rejected"
)

// Outbound actions.
const (
	ActionJoinRoom  = "room:join"
	ActionLeaveRoom = "room:leave"
	ActionMarkRead  = "notification:markRead"
	ActionDelete    = "notification:delete"
	ActionClearAll  = "notification:clearAll"
)
