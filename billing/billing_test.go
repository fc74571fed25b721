package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckUsage_Passthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/usage/check/documents" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok123" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed": false, "current_usage": 50, "limit": 50, "remaining": 0, "reason": "plan_limit_reached"}`))
	}))
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	res, err := g.CheckUsage(context.Background(), "tok123", ResourceDocuments)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("denial must pass through, not fail open")
	}
	if res.Reason != "plan_limit_reached" || res.Remaining != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckUsage_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	_, err := g.CheckUsage(context.Background(), "bad", ResourceDocuments)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestCheckUsage_NotFoundFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	res, err := g.CheckUsage(context.Background(), "tok", ResourceWebsites)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Reason != "billing_service_endpoint_not_found" {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckUsage_ServerErrorFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	res, err := g.CheckUsage(context.Background(), "tok", ResourceDocuments)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Reason != "billing_service_error_502" {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckUsage_ConnectErrorFailsOpen(t *testing.T) {
	// A server that is already closed: connection refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	res, err := g.CheckUsage(context.Background(), "tok", ResourceDocuments)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Reason != "billing_service_unreachable" {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckUsage_TimeoutFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	res, err := g.CheckUsage(context.Background(), "tok", ResourceDocuments)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("timeout must fail open")
	}
}

func TestCanIngestWebsite_Endpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/restrictions/can-ingest-website" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"allowed": true, "remaining": 3}`))
	}))
	defer srv.Close()

	g := NewGate(Config{BaseURL: srv.URL})
	res, err := g.CanIngestWebsite(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 3 {
		t.Errorf("result = %+v", res)
	}
}
