package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

type fakeFetcher struct {
	mu      sync.Mutex
	fetches int
	snap    *gateway.Snapshot
	err     error
	block   chan struct{} // nil = do not block
	started chan struct{} // nil = no start signal
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context) (*gateway.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	blocked := f.block
	started := f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if blocked != nil {
		<-blocked
	}
	return f.snap, f.err
}

func (f *fakeFetcher) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newDriver(t *testing.T, fetcher Fetcher) (*Driver, *store.DB) {
	t.Helper()
	db := testDB(t)
	machine := delivery.NewMachine(db, nil, nil, nil)
	return NewDriver(fetcher, machine, db, nil, nil), db
}

func TestReconcileAppliesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{snap: &gateway.Snapshot{
		Conversations: []gateway.ConversationUpdate{
			{ConversationID: "c1", ContactName: "Ana", Status: "active", LastMessagePreview: "oi", LastMessageTimestamp: 2000},
			{ConversationID: "c2", Status: "archived"},
		},
		Messages: []gateway.MessageRecord{
			{MessageID: "m1", ConversationID: "c1", Body: "oi", Status: "delivered", Sequence: 5, Timestamp: 2000},
			{MessageID: "m2", ConversationID: "c2", Body: "tchau", Status: "failed", Sequence: 6, Timestamp: 2100},
		},
		MaxSequence: 6,
	}}
	d, db := newDriver(t, fetcher)

	if err := d.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Errorf("conversations = %d, want 2", len(convs))
	}

	msg, _ := db.GetMessage("m1")
	if msg == nil || msg.Status != "delivered" {
		t.Errorf("m1 = %+v", msg)
	}

	cp, err := d.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if cp != 6 {
		t.Errorf("checkpoint = %d, want 6", cp)
	}
}

func TestReconcileDoesNotRegressNewerLocalState(t *testing.T) {
	// Local state already saw sequence 10; the snapshot carries an older view.
	fetcher := &fakeFetcher{snap: &gateway.Snapshot{
		Messages: []gateway.MessageRecord{
			{MessageID: "m1", ConversationID: "c1", Status: "sending", Sequence: 4, Timestamp: 1000},
		},
		MaxSequence: 4,
	}}
	d, db := newDriver(t, fetcher)

	err := db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "m1", ContentKind: "text",
		Status: "delivered", Sequence: 10, Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.GetMessage("m1")
	if msg.Status != "delivered" || msg.Sequence != 10 {
		t.Errorf("reconcile regressed state: %s/%d", msg.Status, msg.Sequence)
	}
}

func TestConcurrentReconcileCollapses(t *testing.T) {
	fetcher := &fakeFetcher{
		snap:    &gateway.Snapshot{MaxSequence: 1},
		block:   make(chan struct{}),
		started: make(chan struct{}, 8),
	}
	d, _ := newDriver(t, fetcher)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = d.Reconcile(context.Background())
	}()
	<-fetcher.started // first fetch is in flight and blocked

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Reconcile(context.Background())
		}(i)
	}
	// Let the late callers join the in-flight run before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	if got := fetcher.Fetches(); got != 1 {
		t.Errorf("fetches = %d, want 1 (concurrent calls must collapse)", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
}

func TestReconcileFailurePropagates(t *testing.T) {
	fetchErr := errors.New("gateway unreachable")
	fetcher := &fakeFetcher{err: fetchErr}
	d, db := newDriver(t, fetcher)

	err := d.Reconcile(context.Background())
	if !errors.Is(err, fetchErr) {
		t.Errorf("err = %v, want wrapped fetch error", err)
	}

	// No checkpoint written on failure.
	v, _ := db.GetSyncState(CheckpointKey)
	if v != "" {
		t.Errorf("checkpoint = %q, want unset", v)
	}
}

func TestApplyConversationUpdate(t *testing.T) {
	d, db := newDriver(t, &fakeFetcher{})

	err := d.ApplyConversationUpdate(gateway.ConversationUpdate{
		ConversationID: "c9", Status: "blocked",
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetConversation("c9")
	if c == nil || c.Status != "blocked" {
		t.Errorf("conversation = %+v", c)
	}
}
