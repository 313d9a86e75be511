package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
)

// fakeConn is a scriptable transport connection.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.done:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) push(kind string, payload any) {
	raw, _ := json.Marshal(payload)
	frame, _ := json.Marshal(envelope{Kind: kind, Payload: raw})
	f.in <- frame
}

func (f *fakeConn) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// scriptDialer returns connections (or errors) in order, then repeats the
// last entry.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls int
}

func (s *scriptDialer) dial(_ context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.conns) {
		return s.conns[i], nil
	}
	return nil, errors.New("no more connections scripted")
}

func (s *scriptDialer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testPolicy() Policy {
	return Policy{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxAttempts: 3}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatchInWireOrder(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	ch := New(d.dial, testPolicy(), nil, nil, nil)

	var mu sync.Mutex
	var got []string
	ch.Handle("message:statusUpdated", func(payload json.RawMessage) {
		var p map[string]string
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		got = append(got, p["id"])
		mu.Unlock()
	})

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, func() bool { return ch.State() == Connected })

	for i := 0; i < 5; i++ {
		conn.push("message:statusUpdated", map[string]string{"id": fmt.Sprintf("m%d", i)})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})
	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != fmt.Sprintf("m%d", i) {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestSendIsNoOpWhenDisconnected(t *testing.T) {
	d := &scriptDialer{}
	ch := New(d.dial, testPolicy(), nil, nil, nil)

	if err := ch.Send("ping", map[string]int{"n": 1}); err != nil {
		t.Errorf("Send while disconnected = %v, want nil no-op", err)
	}
}

func TestSendWhileConnected(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	ch := New(d.dial, testPolicy(), nil, nil, nil)

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, func() bool { return ch.State() == Connected })

	if err := ch.Send("ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	writes := conn.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	var env envelope
	if err := json.Unmarshal(writes[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != "ping" {
		t.Errorf("kind = %q", env.Kind)
	}
}

func TestReconnectAssignsNewSession(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn1, conn2}}
	b := bus.New()
	events, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	fake := clock.NewFake(time.Now())
	ch := New(d.dial, testPolicy(), b, nil, fake)
	ch.Connect(context.Background())
	defer ch.Disconnect()

	waitFor(t, func() bool { return ch.State() == Connected })
	first := ch.SessionID()
	if first == "" {
		t.Fatal("no session id while connected")
	}

	// Unexpected drop: reconnect happens after one backoff tick.
	_ = conn1.Close()
	waitFor(t, func() bool { return fake.Waiters() == 1 })
	fake.Advance(time.Second)
	waitFor(t, func() bool { return ch.State() == Connected && ch.SessionID() != first })

	second := ch.SessionID()
	if second == first {
		t.Error("session identity must change on reconnect")
	}

	// Both sessions announced on the bus; the second is marked resumed.
	var infos []ConnectedInfo
	timeout := time.After(2 * time.Second)
	for len(infos) < 2 {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindChannelConnected {
				infos = append(infos, evt.Payload.(ConnectedInfo))
			}
		case <-timeout:
			t.Fatalf("saw %d connected events, want 2", len(infos))
		}
	}
	if infos[0].Resumed || !infos[1].Resumed {
		t.Errorf("resumed flags = %v/%v, want false/true", infos[0].Resumed, infos[1].Resumed)
	}
}

func TestBackoffExhaustionSurfacesUnreachable(t *testing.T) {
	dialErr := errors.New("connection refused")
	d := &scriptDialer{errs: []error{dialErr, dialErr, dialErr, dialErr, dialErr}}
	b := bus.New()
	events, unsub := b.Subscribe("conn.", 32)
	defer unsub()

	fake := clock.NewFake(time.Now())
	policy := testPolicy() // 3 attempts
	ch := New(d.dial, policy, b, nil, fake)
	ch.Connect(context.Background())

	// Drive each backoff wait to completion.
	for i := 0; i < policy.MaxAttempts; i++ {
		waitFor(t, func() bool { return fake.Waiters() == 1 })
		fake.Advance(policy.MaxBackoff)
	}

	waitFor(t, func() bool { return ch.State() == Disconnected })
	// Initial attempt + MaxAttempts retries.
	if got := d.Calls(); got != policy.MaxAttempts+1 {
		t.Errorf("dial calls = %d, want %d", got, policy.MaxAttempts+1)
	}

	sawUnreachable := false
	timeout := time.After(2 * time.Second)
	for !sawUnreachable {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindChannelUnreachable {
				sawUnreachable = true
			}
		case <-timeout:
			t.Fatal("unreachable signal never published")
		}
	}
}

func TestDeliberateDisconnectSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	ch := New(d.dial, testPolicy(), nil, nil, clock.NewFake(time.Now()))

	ch.Connect(context.Background())
	waitFor(t, func() bool { return ch.State() == Connected })

	ch.Disconnect()
	waitFor(t, func() bool { return ch.State() == Disconnected })

	// No further dial attempts after a deliberate shutdown.
	time.Sleep(50 * time.Millisecond)
	if got := d.Calls(); got != 1 {
		t.Errorf("dial calls after disconnect = %d, want 1", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxAttempts: 10}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(p, i+1); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	ch := New(d.dial, testPolicy(), nil, nil, nil)

	var mu sync.Mutex
	var got int
	ch.Handle("ok", func(json.RawMessage) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	ch.Connect(context.Background())
	defer ch.Disconnect()
	waitFor(t, func() bool { return ch.State() == Connected })

	conn.in <- []byte("{not json")
	conn.push("ok", map[string]int{})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	})
}
