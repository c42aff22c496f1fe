package warming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPComputerPostsOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected json content type, got %q", ct)
		}
		var req computeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Operation.Module != "suggestions" {
			t.Fatalf("unexpected module %q", req.Operation.Module)
		}
		if req.Context.SessionID != "session-1" {
			t.Fatalf("unexpected session %q", req.Context.SessionID)
		}
		_, _ = w.Write([]byte("computed response"))
	}))
	defer srv.Close()

	computer, err := NewHTTPComputer(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("computer: %v", err)
	}

	payload, err := computer.Compute(context.Background(), opIn("suggestions"), testContext())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if string(payload) != "computed response" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestHTTPComputerRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	computer, err := NewHTTPComputer(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("computer: %v", err)
	}

	if _, err := computer.Compute(context.Background(), opIn("suggestions"), testContext()); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestHTTPComputerValidatesEndpoint(t *testing.T) {
	if _, err := NewHTTPComputer("ftp://example.com/compute", time.Second); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
