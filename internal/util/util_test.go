package util

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"
)

func TestEscapeFormula(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"hello", "hello"},
		{"=SUM(A1:A2)", "'=SUM(A1:A2)"},
		{"+65 9123 4567", "'+65 9123 4567"},
		{"-5", "'-5"},
		{"@handle", "'@handle"},
		{"\tindented", "'\tindented"},
		{"a=b", "a=b"},
	}
	for _, tt := range tests {
		if got := EscapeFormula(tt.in); got != tt.want {
			t.Errorf("EscapeFormula(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubmissionTime(t *testing.T) {
	ts, err := ParseSubmissionTime("2024-02-29T16:30:05.123Z")
	if err != nil {
		t.Fatalf("ParseSubmissionTime: %v", err)
	}
	if got, want := FormatSubmissionTime(ts), "01 Mar 2024 12:30:05 AM"; got != want {
		t.Errorf("FormatSubmissionTime = %q, want %q", got, want)
	}
	if _, err := ParseSubmissionTime("yesterday"); err == nil {
		t.Error("expected error for a non-ISO timestamp")
	}
	if off := time.Date(2024, 1, 1, 0, 0, 0, 0, GetSGTLocation()).Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)); off != -8*time.Hour {
		t.Errorf("SGT offset = %s, want +8h", -off)
	}
}

func TestIsISODate(t *testing.T) {
	tests := map[string]bool{
		"2024-01-31": true,
		"2024-02-30": false,
		"2024-1-31":  false,
		"20240131":   false,
		"":           false,
	}
	for in, want := range tests {
		if got := IsISODate(in); got != want {
			t.Errorf("IsISODate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "no such form", http.StatusNotFound)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	client := DefaultHTTPClient(5 * time.Second)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	body, err := DownloadFile(client, req)
	if err != nil || string(body) != "payload" {
		t.Fatalf("DownloadFile = %q, %v", body, err)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/missing", nil)
	_, err = DownloadFile(client, req)
	if !errors.Is(err, ferrors.ErrBadStatus) {
		t.Fatalf("err = %v, want ErrBadStatus", err)
	}
	if !strings.Contains(err.Error(), "no such form") || !strings.Contains(err.Error(), "404") {
		t.Errorf("error lacks status context: %v", err)
	}
}
