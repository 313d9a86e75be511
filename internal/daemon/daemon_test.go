package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rafaelmqs/deskhub/internal/alerts"
	"github.com/rafaelmqs/deskhub/internal/api"
	"github.com/rafaelmqs/deskhub/internal/bus"
	"github.com/rafaelmqs/deskhub/internal/connectivity"
	"github.com/rafaelmqs/deskhub/internal/delivery"
	"github.com/rafaelmqs/deskhub/internal/docextract"
	"github.com/rafaelmqs/deskhub/internal/gateway"
	"github.com/rafaelmqs/deskhub/internal/graph"
	"github.com/rafaelmqs/deskhub/internal/lock"
	"github.com/rafaelmqs/deskhub/internal/outbox"
	"github.com/rafaelmqs/deskhub/internal/reconcile"
	"github.com/rafaelmqs/deskhub/internal/store"
	"go.uber.org/zap"
)

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit on some
	// platforms.
	tmpDir, err := os.MkdirTemp("/tmp", "deskhub-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(profileDir, "d.sock")
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(profileDir, "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	// Compose the API surface by hand, without touching the network beyond
	// the unix socket.
	logger, _ := zap.NewDevelopment()
	b := bus.New()
	machine := delivery.NewMachine(db, b, logger, nil)
	gw := gateway.NewClient(nil, "http://unreachable.invalid", "ws://unreachable.invalid", "")
	driver := reconcile.NewDriver(gw, machine, db, b, logger)
	monitor := connectivity.NewMonitor(driver, b, logger, nil, false)
	sender := outbox.NewSender(db, gw, machine, monitor, b, logger, nil, 15*time.Second)
	engine := alerts.NewEngine(db, b, logger)
	drive := graph.NewClientWithHTTP(nil, "http://unreachable.invalid", "d1")
	extractor := docextract.NewExtractor(nil, "http://unreachable.invalid", "", "")
	apiSrv := api.NewServer(db, sender, monitor, engine, drive, extractor, logger)

	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, logger, apiSrv)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	resp, err := client.Get("http://daemon/v1/sync/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status connectivity.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.IsOnline {
		t.Error("fresh daemon reports online before the channel connects")
	}

	// A second daemon for the same profile must be refused.
	if _, err := lock.Acquire(profileDir); err == nil {
		t.Error("second Acquire succeeded, want lock held error")
	}
}
