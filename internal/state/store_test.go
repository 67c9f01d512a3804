package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/planora/realtime/internal/bus"
)

func seeded(t *testing.T, b *bus.Bus) *Store {
	t.Helper()
	st := NewStore(b, nil, nil)
	st.Seed([]Notification{
		{ID: "n1", Title: "one"},
		{ID: "n2", Title: "two"},
		{ID: "n3", Title: "three", IsRead: true},
	})
	return st
}

func TestSeedAndSnapshot(t *testing.T) {
	st := seeded(t, nil)
	snap := st.Snapshot()
	if len(snap.Notifications) != 3 {
		t.Fatalf("got %d notifications, want 3", len(snap.Notifications))
	}
	if snap.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", snap.UnreadCount)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	st := seeded(t, nil)
	snap := st.Snapshot()
	snap.Notifications[0].Title = "mutated"
	if st.Snapshot().Notifications[0].Title != "one" {
		t.Error("snapshot mutation leaked into store")
	}
}

func TestMarkReadOptimistic(t *testing.T) {
	st := seeded(t, nil)
	prev, ok := st.MarkRead("n1")
	if !ok {
		t.Fatal("MarkRead(n1) should succeed")
	}
	if prev.IsRead {
		t.Error("previous record should be unread")
	}
	if st.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1", st.UnreadCount())
	}

	// Already read: no-op.
	if _, ok := st.MarkRead("n1"); ok {
		t.Error("MarkRead on read record should report ok=false")
	}
	if _, ok := st.MarkRead("ghost"); ok {
		t.Error("MarkRead on unknown id should report ok=false")
	}
}

func TestRemoveAndRestore(t *testing.T) {
	st := seeded(t, nil)
	prev, ok := st.Remove("n2")
	if !ok {
		t.Fatal("Remove(n2) should succeed")
	}
	if len(st.Snapshot().Notifications) != 2 {
		t.Fatal("record not removed")
	}

	st.Restore(prev)
	snap := st.Snapshot()
	if len(snap.Notifications) != 3 {
		t.Fatal("record not restored")
	}
	found := false
	for _, n := range snap.Notifications {
		if n.ID == "n2" && n.Title == "two" {
			found = true
		}
	}
	if !found {
		t.Error("restored record lost its pre-delete fields")
	}
	if snap.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", snap.UnreadCount)
	}
}

func TestRemoveAllAndRestore(t *testing.T) {
	st := seeded(t, nil)
	prev := st.RemoveAll()
	if len(prev) != 3 {
		t.Fatalf("RemoveAll returned %d records, want 3", len(prev))
	}
	if st.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", st.UnreadCount())
	}

	st.Restore(prev...)
	if got := len(st.Snapshot().Notifications); got != 3 {
		t.Errorf("got %d notifications after restore, want 3", got)
	}
}

func TestApplyEventPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	st := NewStore(b, nil, nil)
	raw, _ := json.Marshal(Notification{ID: "n1"})
	if err := st.ApplyEvent(Event{Type: EventNotificationNew, EntityID: "n1", Version: 1, Payload: raw}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "state.changed" {
			t.Errorf("event kind = %q, want state.changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state.changed")
	}
}

// recordingCache captures persistence calls for inspection.
type recordingCache struct {
	saved       []Notification
	deleted     []string
	replaced    [][]Notification
	checkpoints map[string]int64
}

func newRecordingCache() *recordingCache {
	return &recordingCache{checkpoints: make(map[string]int64)}
}

func (c *recordingCache) SaveNotification(n Notification) error {
	c.saved = append(c.saved, n)
	return nil
}

func (c *recordingCache) DeleteNotification(id string) error {
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *recordingCache) ReplaceNotifications(ns []Notification) error {
	c.replaced = append(c.replaced, ns)
	return nil
}

func (c *recordingCache) SaveWorkspaceStatus(WorkspaceStatus) error { return nil }
func (c *recordingCache) SaveActivity(Activity) error               { return nil }

func (c *recordingCache) SaveCheckpoint(slice string, version int64) error {
	c.checkpoints[slice] = version
	return nil
}

func (c *recordingCache) GetCheckpoint(slice string) (int64, error) {
	return c.checkpoints[slice], nil
}

func TestPersistUsesPayloadIDFallback(t *testing.T) {
	cache := newRecordingCache()
	st := NewStore(nil, cache, nil)

	// Frames without an entity id still carry the record id in the
	// payload; persistence must key on the same id the merge used.
	raw, _ := json.Marshal(Notification{ID: "n9", Title: "nine"})
	if err := st.ApplyEvent(Event{Type: EventNotificationNew, Payload: raw}); err != nil {
		t.Fatal(err)
	}

	if len(cache.saved) != 1 || cache.saved[0].ID != "n9" {
		t.Fatalf("saved = %+v, want one record with id n9", cache.saved)
	}
	if len(cache.deleted) != 0 {
		t.Errorf("unexpected deletes: %v", cache.deleted)
	}
}

func TestWarmRestoresAllSlicesWithoutWriteback(t *testing.T) {
	cache := newRecordingCache()
	st := NewStore(nil, cache, nil)

	st.Warm(Snapshot{
		Notifications: []Notification{{ID: "n1"}, {ID: "n2", IsRead: true}},
		Workspaces:    []WorkspaceStatus{{ID: "w1", Status: "active"}},
		Activity:      []Activity{{ID: "a1", Summary: "created board"}},
	})

	snap := st.Snapshot()
	if len(snap.Notifications) != 2 || len(snap.Workspaces) != 1 || len(snap.Activity) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", snap.UnreadCount)
	}
	if len(cache.saved) != 0 || len(cache.replaced) != 0 || len(cache.deleted) != 0 {
		t.Error("warming must not write back to the cache")
	}
}

func TestMergeNotificationsUpserts(t *testing.T) {
	cache := newRecordingCache()
	st := NewStore(nil, cache, nil)
	st.Seed([]Notification{
		{ID: "n1", Title: "one"},
		{ID: "n2", Title: "two", IsRead: true},
	})

	st.MergeNotifications([]Notification{
		{ID: "n2", Title: "two", IsRead: false}, // changed since checkpoint
		{ID: "n3", Title: "three"},              // new since checkpoint
	})

	snap := st.Snapshot()
	if len(snap.Notifications) != 3 {
		t.Fatalf("got %d notifications, want 3 (delta must not drop n1)", len(snap.Notifications))
	}
	if snap.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", snap.UnreadCount)
	}
	if len(cache.saved) != 2 {
		t.Errorf("persisted %d records, want 2", len(cache.saved))
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cache := newRecordingCache()
	st := NewStore(nil, cache, nil)

	if got := st.Checkpoint("notifications"); got != 0 {
		t.Errorf("initial checkpoint = %d, want 0", got)
	}
	st.SetCheckpoint("notifications", 42)
	if got := st.Checkpoint("notifications"); got != 42 {
		t.Errorf("checkpoint = %d, want 42", got)
	}
}
