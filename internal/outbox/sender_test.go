package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/clock"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeGateway struct {
	calls   []gateway.SendRequest
	results []*gateway.SendResult
	errs    []error
}

func (f *fakeGateway) SendMessage(_ context.Context, req gateway.SendRequest) (*gateway.SendResult, error) {
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &gateway.SendResult{MessageID: "srv-" + req.ClientMsgID, Accepted: true}, nil
}

type fakeTracker struct{ n int }

func (f *fakeTracker) AddPendingChange() { f.n++ }

func newSender(t *testing.T, db *store.DB, gw MessageSender, clk clock.Clock) (*Sender, *fakeTracker) {
	t.Helper()
	tracker := &fakeTracker{}
	machine := delivery.NewMachine(db, nil, nil, clk)
	return NewSender(db, gw, machine, tracker, nil, nil, clk, 15*time.Second), tracker
}

func TestQueueCreatesPendingMessage(t *testing.T) {
	db := testDB(t)
	s, tracker := newSender(t, db, &fakeGateway{}, nil)

	id, err := s.Queue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Status != "pending" || !msg.FromMe {
		t.Fatalf("message = %+v, want pending from_me", msg)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientMsgID != id {
		t.Fatalf("outbox = %+v, want one entry for %s", pending, id)
	}
	if tracker.n != 1 {
		t.Errorf("pending changes = %d, want 1", tracker.n)
	}
}

func TestProcessPendingSendsAndRekeys(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	s, _ := newSender(t, db, gw, nil)

	id, err := s.Queue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	if len(gw.calls) != 1 || gw.calls[0].ClientMsgID != id {
		t.Fatalf("gateway calls = %+v, want one for %s", gw.calls, id)
	}

	// The row now lives under the server id, in sending, awaiting the
	// delivery confirmation event.
	if old, _ := db.GetMessage(id); old != nil {
		t.Errorf("message still keyed by client id: %+v", old)
	}
	msg, _ := db.GetMessage("srv-" + id)
	if msg == nil || msg.Status != "sending" {
		t.Fatalf("message = %+v, want sending under server id", msg)
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox still has %d queued entries", len(pending))
	}
	entry, _ := db.OutboxForMessage("srv-" + id)
	if entry == nil || entry.Status != "sent" {
		t.Fatalf("outbox entry = %+v, want sent", entry)
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{errs: []error{&gateway.RejectedError{Reason: "recipient blocked"}}}
	b := bus.New()
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	tracker := &fakeTracker{}
	machine := delivery.NewMachine(db, nil, nil, nil)
	s := NewSender(db, gw, machine, tracker, b, nil, nil, 15*time.Second)

	id, err := s.Queue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	msg, _ := db.GetMessage(id)
	if msg == nil || msg.Status != "failed" {
		t.Fatalf("message = %+v, want failed", msg)
	}
	entry, _ := db.OutboxForMessage(id)
	if entry == nil || entry.Status != "failed" || entry.ErrorMessage == "" {
		t.Fatalf("outbox entry = %+v, want failed with reason", entry)
	}

	sawFailure := false
	for !sawFailure {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindMessageSendFailed {
				sawFailure = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for send_failed event")
		}
	}
}

func TestRetryRequeuesFailedMessage(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{errs: []error{errors.New("gateway offline")}}
	s, _ := newSender(t, db, gw, nil)

	id, err := s.Queue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	if err := s.Retry(id); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.GetMessage(id)
	if msg.Status != "pending" {
		t.Fatalf("status after retry = %s, want pending", msg.Status)
	}

	// Second attempt succeeds.
	s.ProcessPending(context.Background())
	if len(gw.calls) != 2 {
		t.Fatalf("gateway calls = %d, want 2", len(gw.calls))
	}
	msg, _ = db.GetMessage("srv-" + id)
	if msg == nil || msg.Status != "sending" {
		t.Fatalf("message = %+v, want sending under server id", msg)
	}
}

func TestRetryUnknownMessage(t *testing.T) {
	db := testDB(t)
	s, _ := newSender(t, db, &fakeGateway{}, nil)
	if err := s.Retry("nope"); err == nil {
		t.Error("Retry(unknown) = nil, want error")
	}
}

func TestSweepFailsUnconfirmedSends(t *testing.T) {
	db := testDB(t)
	clk := clock.NewFake(time.Now())
	gw := &fakeGateway{}
	s, _ := newSender(t, db, gw, clk)

	id, err := s.Queue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	s.ProcessPending(context.Background())

	// Rows stamp updated_at with the wall clock, so push the fake clock far
	// past it before sweeping.
	clk.Advance(2 * time.Hour)
	s.SweepTimeouts()

	msg, _ := db.GetMessage("srv-" + id)
	if msg == nil || msg.Status != "failed" {
		t.Fatalf("message = %+v, want failed after sweep", msg)
	}
	entry, _ := db.OutboxForMessage("srv-" + id)
	if entry == nil || entry.Status != "failed" {
		t.Fatalf("outbox entry = %+v, want failed", entry)
	}

	// Failed-by-timeout messages are retryable.
	if err := s.Retry("srv-" + id); err != nil {
		t.Fatal(err)
	}
	msg, _ = db.GetMessage("srv-" + id)
	if msg.Status != "pending" {
		t.Fatalf("status after retry = %s, want pending", msg.Status)
	}
}
