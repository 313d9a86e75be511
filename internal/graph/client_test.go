package graph

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/drives/d1" {
			t.Errorf("path = %s, want /drives/d1", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"d1","quota":{"used":80,"total":100}}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(nil, srv.URL, "d1")
	q, err := c.Quota(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 80 || q.Total != 100 {
		t.Errorf("quota = %+v, want 80/100", q)
	}
	if q.Ratio() != 0.8 {
		t.Errorf("ratio = %v, want 0.8", q.Ratio())
	}
}

func TestQuotaRatioZeroTotal(t *testing.T) {
	q := Quota{Used: 10, Total: 0}
	if q.Ratio() != 0 {
		t.Errorf("ratio = %v, want 0", q.Ratio())
	}
}

func TestUpload(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"i1","name":"invoice.pdf","size":5}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(nil, srv.URL, "d1")
	item, err := c.Upload(context.Background(), "invoices/invoice.pdf", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/drives/d1/root:/invoices/invoice.pdf:/content" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody != "hello" {
		t.Errorf("body = %q, want hello", gotBody)
	}
	if item.ID != "i1" || item.Name != "invoice.pdf" {
		t.Errorf("item = %+v", item)
	}
}

func TestListChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/drives/d1/root/children" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"value":[
			{"id":"f1","name":"Invoices","folder":{}},
			{"id":"i2","name":"notes.txt","size":12}
		]}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(nil, srv.URL, "d1")
	items, err := c.ListChildren(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if !items[0].Folder || items[0].Name != "Invoices" {
		t.Errorf("items[0] = %+v, want folder Invoices", items[0])
	}
	if items[1].Folder || items[1].Size != 12 {
		t.Errorf("items[1] = %+v, want 12-byte file", items[1])
	}
}

func TestUploadErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c := NewClientWithHTTP(nil, srv.URL, "d1")
	if _, err := c.Upload(context.Background(), "a.txt", strings.NewReader("x")); err == nil {
		t.Error("Upload on 507 = nil error")
	}
}
