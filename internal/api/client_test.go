package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brensch/formexport/internal/config"
	ferrors "github.com/brensch/formexport/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, srv *httptest.Server, cookie string) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.SessionCookie = cookie
	c, err := NewClient(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCountSubmissions(t *testing.T) {
	var gotQuery, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/admin/forms/form123/submissions/count" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		if ck, err := r.Cookie(DefaultSessionCookieName); err == nil {
			gotCookie = ck.Value
		}
		fmt.Fprint(w, "42")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "s3cr3t")
	n, err := c.CountSubmissions(context.Background(), Params{FormID: "form123", StartDate: "2024-01-01", EndDate: "2024-01-31"})
	if err != nil {
		t.Fatalf("CountSubmissions: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
	if gotQuery != "endDate=2024-01-31&startDate=2024-01-01" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotCookie != "s3cr3t" {
		t.Errorf("session cookie = %q", gotCookie)
	}
}

func TestCountSubmissionsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, "").CountSubmissions(context.Background(), Params{FormID: "f"})
	if !errors.Is(err, ferrors.ErrNetwork) || !errors.Is(err, ferrors.ErrBadStatus) {
		t.Fatalf("expected network and bad status errors, got %v", err)
	}
}

func TestStreamSubmissions(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"_id\":\"a\"}\n\n{\"_id\":\"b\"}\n")
	}))
	defer srv.Close()

	ls, err := newTestClient(t, srv, "").StreamSubmissions(context.Background(), Params{FormID: "f", DownloadAttachments: true})
	if err != nil {
		t.Fatalf("StreamSubmissions: %v", err)
	}
	defer ls.Close()

	var lines []string
	for ls.Scan() {
		lines = append(lines, ls.Text())
	}
	if err := ls.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(lines) != 2 || lines[1] != `{"_id":"b"}` {
		t.Errorf("lines = %q", lines)
	}
	if gotQuery != "downloadAttachments=true" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestStreamCloseAbortsTransfer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"_id\":\"a\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ls, err := newTestClient(t, srv, "").StreamSubmissions(context.Background(), Params{FormID: "f"})
	if err != nil {
		t.Fatalf("StreamSubmissions: %v", err)
	}
	if !ls.Scan() {
		t.Fatalf("expected first line, err %v", ls.Err())
	}

	done := make(chan bool)
	go func() { done <- ls.Scan() }()
	ls.Close()
	select {
	case more := <-done:
		if more {
			t.Errorf("expected no further lines after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Scan did not return after Close")
	}
}

func TestStreamSubmissionsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv, "").StreamSubmissions(context.Background(), Params{FormID: "f"}); !errors.Is(err, ferrors.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestFetchAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/ok" {
			fmt.Fprint(w, `{"encryptedFile":{}}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	body, err := c.FetchAttachment(context.Background(), srv.URL+"/files/ok")
	if err != nil || string(body) != `{"encryptedFile":{}}` {
		t.Fatalf("FetchAttachment = %q, %v", body, err)
	}
	if _, err := c.FetchAttachment(context.Background(), srv.URL+"/files/missing"); !errors.Is(err, ferrors.ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}
