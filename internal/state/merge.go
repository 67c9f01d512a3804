package state

import (
	"encoding/json"
	"fmt"
)

// Apply merges one canonical event into a snapshot and returns the new
// snapshot. It is a total function: unknown ids and already-removed targets
// are ignored, never errors. No I/O happens here, so every merge is
// unit-testable by feeding synthetic event sequences.
func Apply(s Snapshot, e Event) (Snapshot, error) {
	switch e.Type {
	case EventNotificationNew:
		return applyNotificationNew(s, e)
	case EventNotificationUpdated:
		return applyNotificationUpdated(s, e)
	case EventWorkspaceStatus:
		return applyWorkspaceStatus(s, e)
	case EventActivityNew:
		return applyActivityNew(s, e)
	default:
		return s, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func applyNotificationNew(s Snapshot, e Event) (Snapshot, error) {
	var n Notification
	if err := json.Unmarshal(e.Payload, &n); err != nil {
		return s, fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" {
		n.ID = e.EntityID
	}
	for _, existing := range s.Notifications {
		if existing.ID == n.ID {
			// Unique-by-id invariant: a repeat insert is a no-op.
			return s, nil
		}
	}
	out := cloneSnapshot(s)
	out.Notifications = append(out.Notifications, n)
	out.UnreadCount = countUnread(out.Notifications)
	return out, nil
}

func applyNotificationUpdated(s Snapshot, e Event) (Snapshot, error) {
	var u NotificationUpdate
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		return s, fmt.Errorf("decode notification update: %w", err)
	}
	idx := -1
	for i, n := range s.Notifications {
		if n.ID == e.EntityID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Locally removed already; nothing to update.
		return s, nil
	}
	out := cloneSnapshot(s)
	if u.Deleted {
		out.Notifications = append(out.Notifications[:idx], out.Notifications[idx+1:]...)
	} else {
		n := &out.Notifications[idx]
		if u.IsRead != nil {
			n.IsRead = *u.IsRead
		}
		if u.Title != nil {
			n.Title = *u.Title
		}
		if u.Message != nil {
			n.Message = *u.Message
		}
	}
	out.UnreadCount = countUnread(out.Notifications)
	return out, nil
}

func applyWorkspaceStatus(s Snapshot, e Event) (Snapshot, error) {
	var w WorkspaceStatus
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return s, fmt.Errorf("decode workspace status: %w", err)
	}
	if w.ID == "" {
		w.ID = e.EntityID
	}
	out := cloneSnapshot(s)
	for i, existing := range out.Workspaces {
		if existing.ID == w.ID {
			out.Workspaces[i] = w
			return out, nil
		}
	}
	out.Workspaces = append(out.Workspaces, w)
	return out, nil
}

func applyActivityNew(s Snapshot, e Event) (Snapshot, error) {
	var a Activity
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return s, fmt.Errorf("decode activity: %w", err)
	}
	if a.ID == "" {
		a.ID = e.EntityID
	}
	for _, existing := range s.Activity {
		if existing.ID == a.ID {
			return s, nil
		}
	}
	out := cloneSnapshot(s)
	out.Activity = append(out.Activity, a)
	return out, nil
}

func countUnread(ns []Notification) int {
	count := 0
	for _, n := range ns {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{UnreadCount: s.UnreadCount}
	out.Notifications = append([]Notification(nil), s.Notifications...)
	out.Workspaces = append([]WorkspaceStatus(nil), s.Workspaces...)
	out.Activity = append([]Activity(nil), s.Activity...)
	return out
}
