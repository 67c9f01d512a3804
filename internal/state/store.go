package state

import (
	"sync"
	"time"

	"github.com/planora/realtime/internal/bus"
	"go.uber.org/zap"
)

// Cache persists synchronized state across daemon restarts. The in-memory
// snapshot stays authoritative for readers; the cache only warms it on boot.
type Cache interface {
	SaveNotification(Notification) error
	DeleteNotification(id string) error
	ReplaceNotifications([]Notification) error
	SaveWorkspaceStatus(WorkspaceStatus) error
	SaveActivity(Activity) error
	SaveCheckpoint(slice string, version int64) error
	GetCheckpoint(slice string) (int64, error)
}

// Store holds the canonical synchronized state. It is the only place
// domain state is mutated: canonical events arrive via ApplyEvent and
// optimistic mutations via the lifecycle controller's helpers below.
type Store struct {
	mu     sync.RWMutex
	snap   Snapshot
	bus    *bus.Bus
	cache  Cache // may be nil
	logger *zap.Logger
}

// NewStore creates a state store. cache may be nil for a purely in-memory
// session.
func NewStore(b *bus.Bus, cache Cache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{bus: b, cache: cache, logger: logger}
}

// Snapshot returns a copy of the current state safe for concurrent readers.
func (st *Store) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneSnapshot(st.snap)
}

// UnreadCount returns the derived unread notification count.
func (st *Store) UnreadCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snap.UnreadCount
}

// Seed replaces the notification slice with an initial REST snapshot.
// Incremental deltas apply on top afterward.
func (st *Store) Seed(ns []Notification) {
	st.mu.Lock()
	st.snap.Notifications = append([]Notification(nil), ns...)
	st.snap.UnreadCount = countUnread(st.snap.Notifications)
	st.mu.Unlock()

	if st.cache != nil {
		if err := st.cache.ReplaceNotifications(ns); err != nil {
			st.logger.Warn("cache seed failed", zap.Error(err))
		}
	}
	st.publish("state.seeded", len(ns))
}

// Warm restores all state slices from the session cache at boot. Nothing
// is written back and no change is announced; push deltas and the next
// resync apply on top.
func (st *Store) Warm(snap Snapshot) {
	st.mu.Lock()
	st.snap = cloneSnapshot(snap)
	st.snap.UnreadCount = countUnread(st.snap.Notifications)
	st.mu.Unlock()
}

// MergeNotifications upserts a delta batch fetched since the last
// checkpoint. Unlike Seed, records absent from the batch are kept.
func (st *Store) MergeNotifications(ns []Notification) {
	st.mu.Lock()
	for _, n := range ns {
		replaced := false
		for i, cur := range st.snap.Notifications {
			if cur.ID == n.ID {
				st.snap.Notifications[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			st.snap.Notifications = append(st.snap.Notifications, n)
		}
	}
	st.snap.UnreadCount = countUnread(st.snap.Notifications)
	st.mu.Unlock()

	if st.cache != nil {
		for _, n := range ns {
			if err := st.cache.SaveNotification(n); err != nil {
				st.logger.Warn("cache merge failed", zap.Error(err))
			}
		}
	}
	st.publish("state.seeded", len(ns))
}

// Checkpoint returns the last persisted sync watermark for a state slice,
// or 0 when none has been recorded.
func (st *Store) Checkpoint(slice string) int64 {
	if st.cache == nil {
		return 0
	}
	v, err := st.cache.GetCheckpoint(slice)
	if err != nil {
		st.logger.Warn("checkpoint read failed", zap.String("slice", slice), zap.Error(err))
		return 0
	}
	return v
}

// SetCheckpoint records the sync watermark for a state slice.
func (st *Store) SetCheckpoint(slice string, version int64) {
	if st.cache == nil {
		return
	}
	if err := st.cache.SaveCheckpoint(slice, version); err != nil {
		st.logger.Warn("checkpoint write failed", zap.String("slice", slice), zap.Error(err))
	}
}

// ApplyEvent merges one canonical event, persists the result, and announces
// the change on the bus.
func (st *Store) ApplyEvent(e Event) error {
	st.mu.Lock()
	next, err := Apply(st.snap, e)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	st.snap = next
	st.mu.Unlock()

	st.persistEvent(e)
	st.publish("state.changed", e.Type)
	return nil
}

func (st *Store) persistEvent(e Event) {
	if st.cache == nil {
		return
	}
	snap := st.Snapshot()
	var err error
	switch e.Type {
	case EventNotificationNew, EventNotificationUpdated:
		// The merge falls back to the payload id when the frame carries
		// no entity id; persist under the same identity it used.
		id := e.notificationID()
		if id == "" {
			return
		}
		found := false
		for _, n := range snap.Notifications {
			if n.ID == id {
				err = st.cache.SaveNotification(n)
				found = true
				break
			}
		}
		if !found {
			err = st.cache.DeleteNotification(id)
		}
		if e.Version > 0 {
			if cpErr := st.cache.SaveCheckpoint("notifications", e.Version); err == nil {
				err = cpErr
			}
		}
	case EventWorkspaceStatus:
		for _, w := range snap.Workspaces {
			if w.ID == e.EntityID {
				err = st.cache.SaveWorkspaceStatus(w)
				break
			}
		}
	case EventActivityNew:
		for _, a := range snap.Activity {
			if a.ID == e.EntityID {
				err = st.cache.SaveActivity(a)
				break
			}
		}
	}
	if err != nil {
		st.logger.Warn("cache write failed", zap.String("type", e.Type), zap.Error(err))
	}
}

// MarkRead optimistically marks a notification read. It returns the
// previous record so the caller can roll back, and ok=false when the id is
// unknown or already read.
func (st *Store) MarkRead(id string) (prev Notification, ok bool) {
	st.mu.Lock()
	for i, n := range st.snap.Notifications {
		if n.ID == id {
			if n.IsRead {
				st.mu.Unlock()
				return n, false
			}
			prev = n
			st.snap.Notifications[i].IsRead = true
			st.snap.UnreadCount = countUnread(st.snap.Notifications)
			st.mu.Unlock()
			st.persistNotification(id)
			st.publish("state.changed", EventNotificationUpdated)
			return prev, true
		}
	}
	st.mu.Unlock()
	return Notification{}, false
}

// SetRead reverts a read flag during rollback.
func (st *Store) SetRead(id string, isRead bool) {
	st.mu.Lock()
	for i, n := range st.snap.Notifications {
		if n.ID == id {
			st.snap.Notifications[i].IsRead = isRead
			break
		}
	}
	st.snap.UnreadCount = countUnread(st.snap.Notifications)
	st.mu.Unlock()
	st.persistNotification(id)
	st.publish("state.changed", EventNotificationUpdated)
}

// Remove optimistically deletes a notification, returning the removed
// record for rollback.
func (st *Store) Remove(id string) (prev Notification, ok bool) {
	st.mu.Lock()
	for i, n := range st.snap.Notifications {
		if n.ID == id {
			prev = n
			st.snap.Notifications = append(st.snap.Notifications[:i], st.snap.Notifications[i+1:]...)
			st.snap.UnreadCount = countUnread(st.snap.Notifications)
			st.mu.Unlock()
			if st.cache != nil {
				if err := st.cache.DeleteNotification(id); err != nil {
					st.logger.Warn("cache delete failed", zap.Error(err))
				}
			}
			st.publish("state.changed", EventNotificationUpdated)
			return prev, true
		}
	}
	st.mu.Unlock()
	return Notification{}, false
}

// RemoveAll optimistically clears the whole collection, returning the
// removed records for rollback.
func (st *Store) RemoveAll() []Notification {
	st.mu.Lock()
	prev := st.snap.Notifications
	st.snap.Notifications = nil
	st.snap.UnreadCount = 0
	st.mu.Unlock()

	if st.cache != nil {
		if err := st.cache.ReplaceNotifications(nil); err != nil {
			st.logger.Warn("cache clear failed", zap.Error(err))
		}
	}
	st.publish("state.changed", EventNotificationUpdated)
	return prev
}

// Restore reinserts notifications removed by a rolled-back mutation,
// preserving their pre-delete fields. Ids already present are skipped.
func (st *Store) Restore(ns ...Notification) {
	st.mu.Lock()
	for _, n := range ns {
		exists := false
		for _, cur := range st.snap.Notifications {
			if cur.ID == n.ID {
				exists = true
				break
			}
		}
		if !exists {
			st.snap.Notifications = append(st.snap.Notifications, n)
		}
	}
	st.snap.UnreadCount = countUnread(st.snap.Notifications)
	st.mu.Unlock()

	if st.cache != nil {
		for _, n := range ns {
			if err := st.cache.SaveNotification(n); err != nil {
				st.logger.Warn("cache restore failed", zap.Error(err))
			}
		}
	}
	st.publish("state.changed", EventNotificationUpdated)
}

func (st *Store) persistNotification(id string) {
	if st.cache == nil {
		return
	}
	snap := st.Snapshot()
	for _, n := range snap.Notifications {
		if n.ID == id {
			if err := st.cache.SaveNotification(n); err != nil {
				st.logger.Warn("cache write failed", zap.Error(err))
			}
			return
		}
	}
}

func (st *Store) publish(kind string, payload any) {
	if st.bus == nil {
		return
	}
	st.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
