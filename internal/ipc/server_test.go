package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/planora/realtime/internal/actions"
	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/conn"
	"github.com/planora/realtime/internal/ingest"
	"github.com/planora/realtime/internal/rooms"
	"github.com/planora/realtime/internal/snapshot"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/status"
	"github.com/planora/realtime/internal/surface"
	"github.com/planora/realtime/internal/transport"
)

type fakeDialer struct{}

func (fakeDialer) Dial(context.Context, string) (transport.Session, error) {
	return nil, context.DeadlineExceeded
}

type fixture struct {
	state  *state.Store
	client *Client
}

// newFixture starts a control server for a daemon-shaped component set on
// a socket under t.TempDir and returns a client dialed against it.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := bus.New()
	machine := status.NewMachine(b)
	st := state.NewStore(b, nil, nil)
	cm := conn.NewManager(fakeDialer{}, machine, b, conn.DefaultConfig(), nil)
	rm := rooms.NewManager(cm, b, time.Millisecond, nil)
	ac := actions.NewController(cm, st, b, nil, time.Second, nil)
	ac.Start(t.Context())
	t.Cleanup(ac.Stop)
	in := ingest.New(b, st, 0, 0, nil)
	api := surface.New(machine, st, cm, rm, ac, snapshot.NewClient("http://127.0.0.1:0"), in, b, nil)

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	srv, err := NewServer("main", socketPath, api, nil)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &fixture{state: st, client: NewClient(socketPath)}
}

func TestStatusOverSocket(t *testing.T) {
	f := newFixture(t)
	f.state.Seed([]state.Notification{
		{ID: "n1", Title: "one"},
		{ID: "n2", Title: "two", IsRead: true},
	})

	resp, err := f.client.Status(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Session != "main" {
		t.Errorf("session = %q, want main", resp.Session)
	}
	if resp.Status != string(status.Disconnected) {
		t.Errorf("status = %q, want %q", resp.Status, status.Disconnected)
	}
	if resp.NotificationCount != 2 || resp.UnreadCount != 1 {
		t.Errorf("counts = %d/%d unread, want 2/1", resp.NotificationCount, resp.UnreadCount)
	}
}

func TestNotificationsOverSocket(t *testing.T) {
	f := newFixture(t)
	f.state.Seed([]state.Notification{{ID: "n1", Title: "one"}})

	ns, err := f.client.Notifications(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 1 || ns[0].ID != "n1" {
		t.Errorf("notifications = %+v", ns)
	}
}

func TestMarkReadOfflineSurfacesError(t *testing.T) {
	f := newFixture(t)
	f.state.Seed([]state.Notification{{ID: "n1"}})

	// No live transport session: the optimistic dispatch rolls back and
	// the rejection must reach the remote caller, not vanish.
	if err := f.client.MarkRead(t.Context(), "n1"); err == nil {
		t.Fatal("expected error while disconnected")
	}
	if f.state.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1 after rollback", f.state.UnreadCount())
	}
}

func TestWatchStreamsChanges(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	ch, stop, err := f.client.Watch(ctx, "state.")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	raw, _ := json.Marshal(state.Notification{ID: "n1", Title: "one"})
	if err := f.state.ApplyEvent(state.Event{Type: state.EventNotificationNew, EntityID: "n1", Version: 1, Payload: raw}); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-ch:
		if frame.Kind != "state.changed" {
			t.Errorf("frame kind = %q, want state.changed", frame.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change frame")
	}
}
