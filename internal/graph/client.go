// Package graph is a minimal Microsoft Graph drive client: quota reads for
// the storage alerts, uploads, and a folder listing for the dashboard file
// pane. Auth is the client-credentials flow; tokens are refreshed by the
// oauth2 transport.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Quota is a drive's storage usage.
type Quota struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// Ratio returns used/total, or 0 for an empty or unreported total.
func (q Quota) Ratio() float64 {
	if q.Total <= 0 {
		return 0
	}
	return float64(q.Used) / float64(q.Total)
}

// DriveItem is a file or folder in the drive.
type DriveItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Folder       bool      `json:"-"`
	WebURL       string    `json:"webUrl"`
	LastModified time.Time `json:"lastModifiedDateTime"`
}

func (d *DriveItem) UnmarshalJSON(data []byte) error {
	type alias DriveItem
	aux := struct {
		*alias
		FolderFacet *struct{} `json:"folder"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Folder = aux.FolderFacet != nil
	return nil
}

// Client talks to one drive.
type Client struct {
	httpClient *http.Client
	baseURL    string
	driveID    string
}

// Config carries the client-credentials material for a tenant.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	DriveID      string
}

// NewClient builds a drive client authenticating with client credentials.
func NewClient(ctx context.Context, cfg Config) *Client {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Client{
		httpClient: creds.Client(ctx),
		baseURL:    defaultBaseURL,
		driveID:    cfg.DriveID,
	}
}

// NewClientWithHTTP builds a drive client over a caller-supplied transport.
func NewClientWithHTTP(httpClient *http.Client, baseURL, driveID string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, driveID: driveID}
}

// Quota reads the drive's storage usage.
func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/drives/%s", c.baseURL, url.PathEscape(c.driveID)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch drive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch drive: unexpected status %d", resp.StatusCode)
	}

	var drive struct {
		Quota Quota `json:"quota"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&drive); err != nil {
		return nil, fmt.Errorf("decode drive: %w", err)
	}
	return &drive.Quota, nil
}

// Upload writes a file at the given drive-root-relative path, creating or
// replacing it. Suitable for the small documents this daemon handles; large
// files would need an upload session.
func (c *Client) Upload(ctx context.Context, path string, content io.Reader) (*DriveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.itemURL(path)+":/content", content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("upload %s: unexpected status %d", path, resp.StatusCode)
	}

	var item DriveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &item, nil
}

// ListChildren lists the entries of a folder. An empty path lists the drive
// root.
func (c *Client) ListChildren(ctx context.Context, path string) ([]DriveItem, error) {
	u := fmt.Sprintf("%s/drives/%s/root/children", c.baseURL, url.PathEscape(c.driveID))
	if path != "" {
		u = c.itemURL(path) + ":/children"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: unexpected status %d", path, resp.StatusCode)
	}

	var page struct {
		Value []DriveItem `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return page.Value, nil
}

func (c *Client) itemURL(path string) string {
	return fmt.Sprintf("%s/drives/%s/root:/%s", c.baseURL, url.PathEscape(c.driveID), path)
}
