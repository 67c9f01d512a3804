package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WSDialer dials the Planora realtime endpoint over websocket.
type WSDialer struct {
	url    string
	logger *zap.Logger
}

// NewWSDialer creates a dialer for the given ws:// or wss:// URL.
func NewWSDialer(url string, logger *zap.Logger) *WSDialer {
	return &WSDialer{url: url, logger: logger}
}

// Dial opens a websocket session authenticated with a bearer token.
// A 401/403 handshake response maps to ErrAuthRejected.
func (d *WSDialer) Dial(ctx context.Context, token string) (Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}

	s := &wsSession{
		conn:   conn,
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// wsSession wraps a gorilla websocket connection. The read deadline plus
// ping/pong loop doubles as the liveness check: a peer that stops answering
// pings fails the read within wsPongWait and ends the session.
type wsSession struct {
	conn   *websocket.Conn
	frames chan Frame
	logger *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *wsSession) Frames() <-chan Frame { return s.frames }

func (s *wsSession) Send(req Request) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Close ends the session locally. Err stays nil so callers can tell a
// deliberate disconnect apart from a transport loss.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsSession) readLoop() {
	defer close(s.frames)
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
				// Local close; not an error.
			default:
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
				s.closeOnce.Do(func() { close(s.done) })
				_ = s.conn.Close()
			}
			return
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				if s.logger != nil {
					s.logger.Debug("ping failed", zap.Error(err))
				}
				return
			}
		case <-s.done:
			return
		}
	}
}
