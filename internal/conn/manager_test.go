package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/planora/realtime/internal/bus"
	"github.com/planora/realtime/internal/status"
	"github.com/planora/realtime/internal/transport"
)

// fakeSession is a scriptable transport session.
type fakeSession struct {
	frames chan transport.Frame
	err    error

	mu     sync.Mutex
	sent   []transport.Request
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{frames: make(chan transport.Frame, 16)}
}

func (s *fakeSession) Frames() <-chan transport.Frame { return s.frames }

func (s *fakeSession) Send(req transport.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSession) Err() error { return s.err }

// drop simulates a transport loss.
func (s *fakeSession) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.frames)
	}
}

// fakeDialer returns scripted results per attempt.
type fakeDialer struct {
	mu       sync.Mutex
	results  []dialResult
	attempts int
	tokens   []string
}

type dialResult struct {
	sess *fakeSession
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	i := d.attempts
	d.attempts++
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	r := d.results[i]
	if r.err != nil {
		return nil, r.err
	}
	return r.sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func fastConfig() Config {
	return Config{
		BackoffBase:     5 * time.Millisecond,
		BackoffCap:      20 * time.Millisecond,
		StabilityWindow: time.Hour,
	}
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.Current() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", m.Current(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectEmptyTokenFailsFast(t *testing.T) {
	m := NewManager(&fakeDialer{}, status.NewMachine(nil), bus.New(), fastConfig(), nil)
	if err := m.Connect("  "); err == nil {
		t.Error("Connect with empty token should fail")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	sess := newFakeSession()
	d := &fakeDialer{results: []dialResult{{sess: sess}}}
	machine := status.NewMachine(nil)
	m := NewManager(d, machine, bus.New(), fastConfig(), nil)
	defer m.Disconnect()

	if err := m.Connect("tok"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Connected)
	if err := m.Connect("tok"); err != nil {
		t.Errorf("second Connect should be a no-op, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (no second concurrent connection)", d.dialCount())
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	s1, s2 := newFakeSession(), newFakeSession()
	d := &fakeDialer{results: []dialResult{{sess: s1}, {sess: s2}}}
	machine := status.NewMachine(nil)
	m := NewManager(d, machine, bus.New(), fastConfig(), nil)
	defer m.Disconnect()

	if err := m.Connect("tok"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Connected)

	s1.drop(errors.New("connection reset"))
	deadline := time.After(2 * time.Second)
	for d.dialCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("dials = %d, want 2", d.dialCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	waitState(t, machine, status.Connected)
	d.mu.Lock()
	sameToken := len(d.tokens) == 2 && d.tokens[0] == "tok" && d.tokens[1] == "tok"
	d.mu.Unlock()
	if !sameToken {
		t.Error("reconnect should reuse the same token")
	}
}

func TestAuthRejectionMovesToFailedWithoutRetry(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{err: transport.ErrAuthRejected}}}
	machine := status.NewMachine(nil)
	b := bus.New()
	ch, unsub := b.Subscribe("conn.auth_rejected", 10)
	defer unsub()

	m := NewManager(d, machine, b, fastConfig(), nil)
	if err := m.Connect("expired"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Failed)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conn.auth_rejected")
	}

	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (auth failure must not retry)", d.dialCount())
	}

	// A fresh token restarts the loop.
	d.mu.Lock()
	d.results = []dialResult{{sess: newFakeSession()}}
	d.attempts = 0
	d.mu.Unlock()
	if err := m.Connect("fresh"); err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()
	waitState(t, machine, status.Connected)
}

func TestDisconnectAlwaysSafe(t *testing.T) {
	m := NewManager(&fakeDialer{results: []dialResult{{sess: newFakeSession()}}}, status.NewMachine(nil), bus.New(), fastConfig(), nil)
	m.Disconnect()
	m.Disconnect()
}

func TestDisconnectCancelsReconnectTimer(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{err: errors.New("refused")}}}
	machine := status.NewMachine(nil)
	cfg := fastConfig()
	cfg.BackoffBase = 500 * time.Millisecond
	m := NewManager(d, machine, bus.New(), cfg, nil)

	if err := m.Connect("tok"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Reconnecting)
	m.Disconnect()
	waitState(t, machine, status.Disconnected)

	before := d.dialCount()
	time.Sleep(600 * time.Millisecond)
	if d.dialCount() != before {
		t.Error("reconnect attempt fired after Disconnect")
	}
}

func TestInboundFramesRoutedToBus(t *testing.T) {
	sess := newFakeSession()
	d := &fakeDialer{results: []dialResult{{sess: sess}}}
	machine := status.NewMachine(nil)
	b := bus.New()
	pushCh, unsubPush := b.Subscribe("push.", 10)
	defer unsubPush()
	roomCh, unsubRoom := b.Subscribe("rooms.server_", 10)
	defer unsubRoom()

	m := NewManager(d, machine, b, fastConfig(), nil)
	defer m.Disconnect()
	if err := m.Connect("tok"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Connected)

	sess.frames <- transport.Frame{Type: "notification:new", ID: "e1", EntityID: "n1"}
	sess.frames <- transport.Frame{Type: transport.FrameRoomJoined, Room: "board:1"}

	select {
	case evt := <-pushCh:
		if evt.Kind != "push.notification:new" {
			t.Errorf("kind = %q, want push.notification:new", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for push event")
	}
	select {
	case evt := <-roomCh:
		if evt.Kind != "rooms.server_joined" {
			t.Errorf("kind = %q, want rooms.server_joined", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for room control event")
	}
}

func TestReconnectWithToken(t *testing.T) {
	s1, s2 := newFakeSession(), newFakeSession()
	d := &fakeDialer{results: []dialResult{{sess: s1}, {sess: s2}}}
	machine := status.NewMachine(nil)
	m := NewManager(d, machine, bus.New(), fastConfig(), nil)
	defer m.Disconnect()

	if err := m.Connect("old"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Connected)

	if err := m.ReconnectWithToken("new"); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Connected)

	d.mu.Lock()
	last := d.tokens[len(d.tokens)-1]
	d.mu.Unlock()
	if last != "new" {
		t.Errorf("last dial token = %q, want new", last)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base, max := time.Second, 30*time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt, base, max)
		want := base << (attempt - 1)
		if want > max {
			want = max
		}
		// Exponential floor, plus at most 25% jitter.
		if d < want || d > want+want/4 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, want, want+want/4)
		}
	}
}
