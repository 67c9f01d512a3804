// Package surface is the boundary UI adapters program against: a read-only
// always-current view of synchronized state, imperative mutation methods,
// and a connectivity signal. Surfaces never touch the underlying
// collections; the state store owns the only mutation path.
package surface

import (
	"context"
	"fmt"

	"github.com/planora/realtime/internal/actions"
	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/conn"
	"github.com/planora/realtime/internal/ingest"
	"github.com/planora/realtime/internal/rooms"
	"github.com/planora/realtime/internal/snapshot"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/status"
	"go.uber.org/zap"
)

// API is the facade handed to surface adapters (notification bell, toast
// overlay, dashboards).
type API struct {
	machine  *status.Machine
	state    *state.Store
	conn     *conn.Manager
	rooms    *rooms.Manager
	actions  *actions.Controller
	snapshot *snapshot.Client
	ingest   *ingest.Ingestor
	bus      *bus.Bus
	logger   *zap.Logger

	token string
}

// New creates the surface API.
func New(
	machine *status.Machine,
	st *state.Store,
	cm *conn.Manager,
	rm *rooms.Manager,
	ac *actions.Controller,
	sc *snapshot.Client,
	in *ingest.Ingestor,
	b *bus.Bus,
	logger *zap.Logger,
) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		machine:  machine,
		state:    st,
		conn:     cm,
		rooms:    rm,
		actions:  ac,
		snapshot: sc,
		ingest:   in,
		bus:      b,
		logger:   logger,
	}
}

// Connect authenticates the session and starts the push connection.
func (a *API) Connect(ctx context.Context, token string) error {
	if err := a.conn.Connect(token); err != nil {
		return err
	}
	a.token = token
	return a.Resync(ctx)
}

// Disconnect tears the push connection down. Must be called on logout
// before discarding the session.
func (a *API) Disconnect() {
	a.conn.Disconnect()
}

// RefreshToken swaps the bearer token and cycles the connection.
func (a *API) RefreshToken(token string) error {
	a.token = token
	return a.conn.ReconnectWithToken(token)
}

// ConnectionStatus returns the connectivity signal for UI indicators.
func (a *API) ConnectionStatus() status.State {
	return a.machine.Current()
}

// Notifications returns a copy of the current notification collection.
func (a *API) Notifications() []state.Notification {
	return a.state.Snapshot().Notifications
}

// UnreadCount returns the derived unread count.
func (a *API) UnreadCount() int {
	return a.state.UnreadCount()
}

// Snapshot returns all synchronized slices.
func (a *API) Snapshot() state.Snapshot {
	return a.state.Snapshot()
}

// MarkAsRead optimistically marks a notification read.
func (a *API) MarkAsRead(id string) error {
	return a.actions.MarkAsRead(id)
}

// Delete optimistically removes a notification.
func (a *API) Delete(id string) error {
	return a.actions.Delete(id)
}

// ClearAll optimistically clears the notification collection.
func (a *API) ClearAll() error {
	return a.actions.ClearAll()
}

// Resync reconciles local state against the snapshot boundary. With a
// persisted checkpoint it asks only for changes since that watermark and
// merges them; otherwise (or when the server declines the delta) the full
// collection replaces local state.
func (a *API) Resync(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("surface: not connected")
	}
	since := a.state.Checkpoint("notifications")
	res, err := a.snapshot.FetchNotifications(ctx, a.token, since)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if res.Full {
		a.state.Seed(res.Notifications)
	} else {
		a.state.MergeNotifications(res.Notifications)
	}
	if res.Version > 0 {
		a.state.SetCheckpoint("notifications", res.Version)
	}
	a.logger.Info("state resynced from snapshot",
		zap.Int("notifications", len(res.Notifications)),
		zap.Bool("full", res.Full),
		zap.Int64("since", since))
	return nil
}

// JoinRoom / LeaveRoom adjust the desired channel set, e.g. when the user
// navigates between boards.
func (a *API) JoinRoom(key string)  { a.rooms.Join(key) }
func (a *API) LeaveRoom(key string) { a.rooms.Leave(key) }

// Watch subscribes to change signals. Adapters typically watch "state."
// to re-render and "conn." for the connectivity indicator.
func (a *API) Watch(prefix string, buf int) (<-chan bus.Event, func()) {
	return a.bus.Subscribe(prefix, buf)
}

// Stats exposes ingest drop counters for diagnostics.
func (a *API) Stats() ingest.Stats {
	return a.ingest.Stats()
}
