// Package actions coordinates user-initiated notification mutations as
// optimistic local updates reconciled against server confirmation. Every
// mutation is a PendingAction carrying an idempotency key: retries and
// rollbacks are data, not control-flow side effects.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/state"
	"github.com/planora/realtime/internal/transport"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a mutation waits for a server ack before
// it is treated as rejected.
const DefaultTimeout = 10 * time.Second

// Kind enumerates user mutation kinds.
type Kind string

const (
	KindMarkRead Kind = "markRead"
	KindDelete   Kind = "delete"
	KindClearAll Kind = "clearAll"
)

// ActionError is the typed failure surfaced when the server rejects a
// mutation or it times out. The optimistic change has already been rolled
// back by the time it is published.
type ActionError struct {
	Kind     Kind
	TargetID string
	Reason   string
}

func (e *ActionError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("%s rejected: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Kind, e.TargetID, e.Reason)
}

// PendingAction is an optimistic mutation awaiting server confirmation.
type PendingAction struct {
	IdempotencyKey string
	Kind           Kind
	TargetID       string
	IssuedAt       time.Time

	rollback func()
	timer    *time.Timer
}

// Journal persists pending actions so an unclean shutdown leaves a record
// of what was in flight.
type Journal interface {
	SavePendingAction(key string, kind, targetID string, issuedAt int64) error
	DeletePendingAction(key string) error
	ListPendingActions() ([]string, error)
}

// Sender issues mutation requests on the live transport.
type Sender interface {
	Send(transport.Request) error
}

// Controller owns the pending-action table. Acks and rejections arrive as
// control frames on the bus; a rejection or timeout rolls the optimistic
// mutation back and surfaces an ActionError. Nothing is ever retried
// silently: repeating a destructive action without consent would violate
// user intent.
type Controller struct {
	sender  Sender
	state   *state.Store
	bus     *bus.Bus
	journal Journal // may be nil
	logger  *zap.Logger
	timeout time.Duration
	cancel  context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*PendingAction // idempotency key -> action
	inflight map[string]string         // kind|target -> idempotency key
}

// NewController creates a lifecycle controller. timeout <= 0 selects
// DefaultTimeout.
func NewController(sender Sender, st *state.Store, b *bus.Bus, journal Journal, timeout time.Duration, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sender:   sender,
		state:    st,
		bus:      b,
		journal:  journal,
		logger:   logger,
		timeout:  timeout,
		pending:  make(map[string]*PendingAction),
		inflight: make(map[string]string),
	}
}

// Start subscribes to server ack/reject control frames and clears journal
// entries left over from an unclean shutdown (state is re-seeded from the
// snapshot boundary on boot, so they carry no rollback obligation).
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.journal != nil {
		if stale, err := c.journal.ListPendingActions(); err == nil && len(stale) > 0 {
			c.logger.Info("discarding stale pending actions", zap.Int("count", len(stale)))
			for _, key := range stale {
				_ = c.journal.DeletePendingAction(key)
			}
		}
	}

	ch, unsub := c.bus.Subscribe("actions.server_", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				frame, ok := evt.Payload.(transport.Frame)
				if !ok {
					continue
				}
				switch frame.Type {
				case transport.FrameActionAck:
					c.onAck(frame.ID)
				case transport.FrameActionRejected:
					c.onReject(frame.ID, string(frame.Payload))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event loop and all pending timeout timers.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for _, a := range c.pending {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	c.mu.Unlock()
}

// MarkAsRead optimistically marks a notification read and asks the server
// to confirm. A second call while the first is in flight is deduplicated.
func (c *Controller) MarkAsRead(id string) error {
	if c.isInflight(KindMarkRead, id) {
		return nil
	}
	prev, ok := c.state.MarkRead(id)
	if !ok {
		return nil
	}
	wasRead := prev.IsRead
	return c.dispatch(KindMarkRead, id, transport.ActionMarkRead, func() {
		c.state.SetRead(id, wasRead)
	})
}

// Delete optimistically removes a notification. A pending MarkAsRead for
// the same id is cancelled: its outcome is superseded either way.
func (c *Controller) Delete(id string) error {
	if c.isInflight(KindDelete, id) {
		return nil
	}
	c.cancelConflicting(KindMarkRead, id)
	prev, ok := c.state.Remove(id)
	if !ok {
		return nil
	}
	return c.dispatch(KindDelete, id, transport.ActionDelete, func() {
		c.state.Restore(prev)
	})
}

// ClearAll optimistically clears the whole collection as a single action,
// so a partial failure is reported once rather than per item.
func (c *Controller) ClearAll() error {
	if c.isInflight(KindClearAll, "") {
		return nil
	}
	prev := c.state.RemoveAll()
	if len(prev) == 0 {
		return nil
	}
	return c.dispatch(KindClearAll, "", transport.ActionClearAll, func() {
		c.state.Restore(prev...)
	})
}

// PendingCount returns the number of actions awaiting confirmation.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) dispatch(kind Kind, targetID, wireAction string, rollback func()) error {
	a := &PendingAction{
		IdempotencyKey: uuid.NewString(),
		Kind:           kind,
		TargetID:       targetID,
		IssuedAt:       time.Now(),
		rollback:       rollback,
	}

	c.mu.Lock()
	c.pending[a.IdempotencyKey] = a
	c.inflight[inflightKey(kind, targetID)] = a.IdempotencyKey
	a.timer = time.AfterFunc(c.timeout, func() {
		c.onReject(a.IdempotencyKey, "timeout")
	})
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.SavePendingAction(a.IdempotencyKey, string(kind), targetID, a.IssuedAt.UnixMilli()); err != nil {
			c.logger.Warn("journal write failed", zap.Error(err))
		}
	}

	err := c.sender.Send(transport.Request{
		Action:         wireAction,
		IdempotencyKey: a.IdempotencyKey,
		TargetID:       targetID,
	})
	if err != nil {
		c.onReject(a.IdempotencyKey, err.Error())
		return &ActionError{Kind: kind, TargetID: targetID, Reason: err.Error()}
	}
	return nil
}

// onAck removes the pending action; the optimistic mutation already
// reflects the confirmed outcome.
func (c *Controller) onAck(key string) {
	a := c.take(key)
	if a == nil {
		return
	}
	c.logger.Debug("action acknowledged", zap.String("kind", string(a.Kind)), zap.String("target", a.TargetID))
	c.bus.Publish(bus.Event{Kind: "actions.acked", Timestamp: time.Now(), Payload: a})
}

// onReject rolls the optimistic mutation back and surfaces the error.
func (c *Controller) onReject(key, reason string) {
	a := c.take(key)
	if a == nil {
		return
	}
	if a.rollback != nil {
		a.rollback()
	}
	aerr := &ActionError{Kind: a.Kind, TargetID: a.TargetID, Reason: reason}
	c.logger.Warn("action rejected", zap.String("kind", string(a.Kind)), zap.String("target", a.TargetID), zap.String("reason", reason))
	c.bus.Publish(bus.Event{Kind: "actions.rejected", Timestamp: time.Now(), Payload: aerr})
}

// cancelConflicting drops a pending action on the same target without
// rolling it back; the caller's new mutation supersedes it.
func (c *Controller) cancelConflicting(kind Kind, targetID string) {
	c.mu.Lock()
	key, ok := c.inflight[inflightKey(kind, targetID)]
	var a *PendingAction
	if ok {
		a = c.pending[key]
		delete(c.pending, key)
		delete(c.inflight, inflightKey(kind, targetID))
	}
	c.mu.Unlock()
	if a == nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if c.journal != nil {
		_ = c.journal.DeletePendingAction(a.IdempotencyKey)
	}
	c.logger.Debug("cancelled superseded action", zap.String("kind", string(a.Kind)), zap.String("target", a.TargetID))
}

// take removes and returns the pending action for key, or nil.
func (c *Controller) take(key string) *PendingAction {
	c.mu.Lock()
	a, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		delete(c.inflight, inflightKey(a.Kind, a.TargetID))
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if c.journal != nil {
		_ = c.journal.DeletePendingAction(key)
	}
	return a
}

func (c *Controller) isInflight(kind Kind, targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[inflightKey(kind, targetID)]
	return ok
}

func inflightKey(kind Kind, targetID string) string {
	return string(kind) + "|" + targetID
}
