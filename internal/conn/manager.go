// Package conn owns the single live push connection for a session:
// connect, reconnect with backoff, teardown, and fanning inbound frames
// out onto the bus.
package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/status"
	"github.com/planora/realtime/internal/transport"
	"go.uber.org/zap"
)

// Config tunes the reconnect policy.
type Config struct {
	BackoffBase     time.Duration // first retry delay
	BackoffCap      time.Duration // maximum retry delay
	StabilityWindow time.Duration // uptime after which the attempt counter resets
}

// DefaultConfig returns the standard reconnect policy: 1s base, 30s cap,
// 30s stability window.
func DefaultConfig() Config {
	return Config{
		BackoffBase:     time.Second,
		BackoffCap:      30 * time.Second,
		StabilityWindow: 30 * time.Second,
	}
}

// ErrAlreadyConnected is returned by Connect while a connection is live or
// being established; the existing one is reused.
var ErrAlreadyConnected = errors.New("conn: already connected")

// Manager owns at most one live transport session per authenticated
// session. It never mutates domain state; it only emits signals the other
// components react to.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	token   string
	sess    transport.Session
	cancel  context.CancelFunc
	running bool
	lastErr error
}

// NewManager creates a connection manager.
func NewManager(dialer transport.Dialer, machine *status.Machine, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:  dialer,
		machine: machine,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
	}
}

// Connect starts the connection loop with the given bearer token. It fails
// fast on an empty token and is idempotent: if a connection is live or in
// progress it is reused and nil is returned.
func (m *Manager) Connect(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("conn: empty token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.token = token
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
	return nil
}

// Disconnect tears the transport down deterministically and cancels any
// pending reconnect timer. Always safe to call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	sess := m.sess
	m.cancel = nil
	m.sess = nil
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	_ = m.machine.Transition(status.Disconnected)
}

// ReconnectWithToken swaps the bearer token (token refresh) and cycles the
// connection so the new token takes effect.
func (m *Manager) ReconnectWithToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("conn: empty token")
	}
	m.Disconnect()
	return m.Connect(token)
}

// Send forwards a request on the live session.
func (m *Manager) Send(req transport.Request) error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return transport.ErrSessionClosed
	}
	return sess.Send(req)
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// run is the connection loop: dial, pump frames, reconnect with backoff on
// loss. Exactly one run goroutine exists while the manager is running.
func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		_ = m.machine.Transition(status.Connecting)

		m.mu.Lock()
		token := m.token
		m.mu.Unlock()

		sess, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if errors.Is(err, transport.ErrAuthRejected) {
				m.fail(err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			attempt++
			m.setErr(err)
			_ = m.machine.Transition(status.Reconnecting)
			delay := backoffDelay(attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
			m.logger.Warn("dial failed, will retry",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.sess = sess
		m.lastErr = nil
		m.mu.Unlock()
		_ = m.machine.Transition(status.Connected)
		m.logger.Info("connected")

		connectedAt := time.Now()
		closed := m.pump(ctx, sess)

		m.mu.Lock()
		m.sess = nil
		m.mu.Unlock()

		if !closed || ctx.Err() != nil {
			// Deliberate shutdown.
			return
		}
		if serr := sess.Err(); serr != nil && isAuthClose(serr) {
			m.fail(serr)
			return
		}

		if time.Since(connectedAt) >= m.cfg.StabilityWindow {
			attempt = 0
		}
		attempt++
		m.setErr(sess.Err())
		_ = m.machine.Transition(status.Reconnecting)
		delay := backoffDelay(attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
		m.logger.Warn("connection lost, reconnecting",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(sess.Err()))
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// pump routes inbound frames onto the bus until the session ends. Returns
// true when the session ended on its own (frames channel closed).
func (m *Manager) pump(ctx context.Context, sess transport.Session) bool {
	for {
		select {
		case frame, ok := <-sess.Frames():
			if !ok {
				return true
			}
			m.route(frame)
		case <-ctx.Done():
			_ = sess.Close()
			return false
		}
	}
}

// route maps a frame type to its bus namespace: room and action control
// frames go to their managers, everything else is a push event for ingest.
func (m *Manager) route(f transport.Frame) {
	var kind string
	switch f.Type {
	case transport.FrameRoomJoined:
		kind = "rooms.server_joined"
	case transport.FrameRoomRejected:
		kind = "rooms.server_rejected"
	case transport.FrameActionAck:
		kind = "actions.server_ack"
	case transport.FrameActionRejected:
		kind = "actions.server_rejected"
	default:
		kind = "push." + f.Type
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: f})
}

// fail marks the connection permanently failed; the session layer must
// re-authenticate and call Connect with a fresh token.
func (m *Manager) fail(err error) {
	m.logger.Error("authentication rejected", zap.Error(err))
	m.mu.Lock()
	m.lastErr = err
	m.running = false
	m.mu.Unlock()
	_ = m.machine.Transition(status.Failed)
	m.bus.Publish(bus.Event{Kind: "conn.auth_rejected", Timestamp: time.Now(), Payload: err})
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// isAuthClose reports whether a session-terminating error signals that the
// server invalidated the token mid-connection.
func isAuthClose(err error) bool {
	return errors.Is(err, transport.ErrAuthRejected)
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
