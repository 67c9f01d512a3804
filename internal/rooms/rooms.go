// Package rooms keeps the transport's actual channel subscriptions
// consistent with the desired set. Join/Leave are level-triggered: only the
// final desired state per room is ever sent, and every desired room is
// re-declared after each reconnect because the server holds no subscription
// state across connections.
package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/status"
	"github.com/planora/realtime/internal/transport"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces rapid join/leave toggles (board navigation)
// before anything is sent.
const DefaultDebounce = 250 * time.Millisecond

// Sender issues room control messages on the live transport.
type Sender interface {
	Send(transport.Request) error
}

// RoomError reports a join the server rejected. The room's desired state
// has already been reset to left; it is not retried.
type RoomError struct {
	Room   string
	Reason string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("room %s rejected: %s", e.Room, e.Reason)
}

type roomState struct {
	desired   bool // true = joined
	confirmed bool
	lastSent  *bool // nil until something was sent this connection
}

// Manager tracks desired vs confirmed room subscriptions.
type Manager struct {
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration

	mu     sync.Mutex
	rooms  map[string]*roomState
	dirty  map[string]struct{}
	timer  *time.Timer
	online bool

	cancel context.CancelFunc
}

// NewManager creates a room subscription manager. debounce <= 0 selects
// DefaultDebounce.
func NewManager(sender Sender, b *bus.Bus, debounce time.Duration, logger *zap.Logger) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sender:   sender,
		bus:      b,
		logger:   logger,
		debounce: debounce,
		rooms:    make(map[string]*roomState),
		dirty:    make(map[string]struct{}),
	}
}

// Start subscribes to connection lifecycle and room control events.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	connCh, unsubConn := m.bus.Subscribe("conn.", 64)
	roomCh, unsubRoom := m.bus.Subscribe("rooms.server_", 64)

	go func() {
		defer unsubConn()
		defer unsubRoom()
		for {
			select {
			case evt := <-connCh:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				if change.To == status.Connected {
					m.onConnected()
				} else {
					m.onDisconnected()
				}
			case evt := <-roomCh:
				frame, ok := evt.Payload.(transport.Frame)
				if !ok {
					continue
				}
				m.onControlFrame(frame)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event loop and any pending debounced flush.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// Join marks a room as desired. Calling Join twice is a no-op.
func (m *Manager) Join(key string) {
	m.setDesired(key, true)
}

// Leave marks a room as not desired. A Leave before the debounced Join was
// sent cancels the outbound request entirely.
func (m *Manager) Leave(key string) {
	m.setDesired(key, false)
}

// Joined reports whether a room's subscription is currently confirmed.
func (m *Manager) Joined(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[key]
	return ok && r.confirmed
}

// Desired returns the set of rooms whose desired state is joined.
func (m *Manager) Desired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, r := range m.rooms {
		if r.desired {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Manager) setDesired(key string, joined bool) {
	m.mu.Lock()
	r, ok := m.rooms[key]
	if !ok {
		r = &roomState{}
		m.rooms[key] = r
	}
	if r.desired == joined {
		m.mu.Unlock()
		return
	}
	r.desired = joined
	m.dirty[key] = struct{}{}
	m.scheduleFlushLocked()
	m.mu.Unlock()
}

func (m *Manager) scheduleFlushLocked() {
	if !m.online {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.flushDirty)
}

// flushDirty sends the final desired state for every dirty room, skipping
// rooms whose desired state matches what the server already saw.
func (m *Manager) flushDirty() {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	var reqs []transport.Request
	for key := range m.dirty {
		r := m.rooms[key]
		if r.lastSent != nil && *r.lastSent == r.desired {
			continue
		}
		if r.lastSent == nil && !r.desired {
			// Join toggled back to leave before anything went out.
			continue
		}
		desired := r.desired
		r.lastSent = &desired
		reqs = append(reqs, roomRequest(key, desired))
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	m.sendAll(reqs)
}

// onConnected re-declares every desired room. Confirmed state from the
// previous connection is meaningless, so it is cleared first.
func (m *Manager) onConnected() {
	m.mu.Lock()
	m.online = true
	var reqs []transport.Request
	for key, r := range m.rooms {
		r.confirmed = false
		r.lastSent = nil
		if r.desired {
			sent := true
			r.lastSent = &sent
			reqs = append(reqs, roomRequest(key, true))
		}
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	m.sendAll(reqs)
}

func (m *Manager) onDisconnected() {
	m.mu.Lock()
	m.online = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for _, r := range m.rooms {
		r.confirmed = false
		r.lastSent = nil
	}
	m.mu.Unlock()
}

func (m *Manager) onControlFrame(f transport.Frame) {
	switch f.Type {
	case transport.FrameRoomJoined:
		m.mu.Lock()
		if r, ok := m.rooms[f.Room]; ok {
			r.confirmed = true
		}
		m.mu.Unlock()
	case transport.FrameRoomRejected:
		m.mu.Lock()
		if r, ok := m.rooms[f.Room]; ok {
			r.desired = false
			r.confirmed = false
			r.lastSent = nil
		}
		m.mu.Unlock()
		rerr := &RoomError{Room: f.Room, Reason: string(f.Payload)}
		m.logger.Warn("room join rejected", zap.String("room", f.Room), zap.String("reason", rerr.Reason))
		m.bus.Publish(bus.Event{Kind: "rooms.rejected", Timestamp: time.Now(), Payload: rerr})
	}
}

func (m *Manager) sendAll(reqs []transport.Request) {
	for _, req := range reqs {
		if err := m.sender.Send(req); err != nil {
			m.logger.Warn("room request not sent", zap.String("room", req.Room), zap.Error(err))
		}
	}
}

func roomRequest(key string, join bool) transport.Request {
	action := transport.ActionLeaveRoom
	if join {
		action = transport.ActionJoinRoom
	}
	return transport.Request{Action: action, Room: key}
}
