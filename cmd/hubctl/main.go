package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rafaelmqs/deskhub/internal/alerts"
	"github.com/rafaelmqs/deskhub/internal/connectivity"
	"github.com/rafaelmqs/deskhub/internal/workspace"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := workspace.Resolve(*profileFlag)
	if err := workspace.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(workspace.SocketPath(profileName))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: hubctl send <conversation-id> <body>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2])
	case "reconcile":
		cmdReconcile(ctx, c, *jsonFlag)
	case "alerts":
		if len(args) >= 3 && args[1] == "dismiss" {
			cmdDismissAlert(ctx, c, args[2])
		} else {
			cmdAlerts(ctx, c, *jsonFlag)
		}
	case "storage":
		cmdStorage(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: hubctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show connectivity and sync status")
	fmt.Fprintln(os.Stderr, "  send <conversation> <body> Queue a message for delivery")
	fmt.Fprintln(os.Stderr, "  reconcile                  Run a full reconciliation now")
	fmt.Fprintln(os.Stderr, "  alerts                     Show the live storage alert")
	fmt.Fprintln(os.Stderr, "  alerts dismiss <category>  Dismiss the live alert")
	fmt.Fprintln(os.Stderr, "  storage                    Show cloud storage usage")
}

// client talks HTTP/JSON to the daemon socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is hubd running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printStatus(status connectivity.SyncStatus) {
	online := "offline"
	if status.IsOnline {
		online = "online"
	}
	fmt.Printf("connectivity:    %s\n", online)
	fmt.Printf("syncing:         %v\n", status.IsSyncing)
	if status.LastSyncAt != nil {
		fmt.Printf("last sync:       %s\n", status.LastSyncAt.Local().Format(time.RFC1123))
	} else {
		fmt.Printf("last sync:       never\n")
	}
	fmt.Printf("pending changes: %d\n", status.PendingChangeCount)
}

func cmdStatus(ctx context.Context, c *client, asJSON bool) {
	var status connectivity.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &status); err != nil {
		fail(err)
	}
	if asJSON {
		printJSON(status)
		return
	}
	printStatus(status)
}

func cmdSend(ctx context.Context, c *client, conversationID, body string) {
	req := map[string]string{"conversationId": conversationID, "body": body}
	var out struct {
		MsgID string `json:"msgId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		fail(err)
	}
	fmt.Printf("queued %s\n", out.MsgID)
}

func cmdReconcile(ctx context.Context, c *client, asJSON bool) {
	var status connectivity.SyncStatus
	if err := c.do(ctx, http.MethodPost, "/v1/sync/reconcile", nil, &status); err != nil {
		fail(err)
	}
	if asJSON {
		printJSON(status)
		return
	}
	fmt.Println("reconciliation completed")
	printStatus(status)
}

func cmdAlerts(ctx context.Context, c *client, asJSON bool) {
	var out struct {
		Alert *alerts.Alert `json:"alert"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/alerts", nil, &out); err != nil {
		fail(err)
	}
	if asJSON {
		printJSON(out)
		return
	}
	if out.Alert == nil {
		fmt.Println("no live alert")
		return
	}
	dismissed := ""
	if out.Alert.Dismissed {
		dismissed = " (dismissed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", out.Alert.Severity, out.Alert.Category, out.Alert.Message, dismissed)
}

func cmdDismissAlert(ctx context.Context, c *client, category string) {
	if err := c.do(ctx, http.MethodPost, "/v1/alerts/"+category+"/dismiss", nil, nil); err != nil {
		fail(err)
	}
	fmt.Printf("dismissed %s\n", category)
}

func cmdStorage(ctx context.Context, c *client, asJSON bool) {
	var out struct {
		Used  int64         `json:"used"`
		Total int64         `json:"total"`
		Ratio float64       `json:"ratio"`
		Alert *alerts.Alert `json:"alert"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/storage", nil, &out); err != nil {
		fail(err)
	}
	if asJSON {
		printJSON(out)
		return
	}
	fmt.Printf("used:  %s\n", formatBytes(out.Used))
	fmt.Printf("total: %s\n", formatBytes(out.Total))
	fmt.Printf("usage: %.1f%%\n", out.Ratio*100)
	if out.Alert != nil {
		fmt.Printf("alert: [%s] %s\n", out.Alert.Severity, out.Alert.Message)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
