package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHealthAndReadyRoutes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ping       error
		wantStatus int
		wantOK     bool
		wantState  string
		wantDB     string
		wantDBErr  string
	}{
		{name: "liveness ignores database", path: "/api/health", ping: errors.New("down"), wantStatus: http.StatusOK, wantOK: true},
		{name: "ready", path: "/api/ready", wantStatus: http.StatusOK, wantOK: true, wantState: "ready", wantDB: "ok"},
		{
			name: "database down", path: "/api/ready", ping: errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable, wantState: "not_ready", wantDB: "error", wantDBErr: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.pingFn = func(context.Context) error { return tt.ping }

			rr, payload := doJSON(t, env.server, http.MethodGet, tt.path, "", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("GET %s status = %d, want %d", tt.path, rr.Code, tt.wantStatus)
			}
			if payload["ok"] != tt.wantOK {
				t.Fatalf("ok = %v, want %v", payload["ok"], tt.wantOK)
			}
			if tt.wantState == "" {
				return
			}
			if payload["status"] != tt.wantState {
				t.Fatalf("status = %v, want %s", payload["status"], tt.wantState)
			}
			checks, _ := payload["checks"].(map[string]any)
			db, _ := checks["database"].(map[string]any)
			if db["status"] != tt.wantDB {
				t.Fatalf("database check = %+v, want status %s", db, tt.wantDB)
			}
			if tt.wantDBErr != "" && db["error"] != tt.wantDBErr {
				t.Fatalf("database error = %v, want %s", db["error"], tt.wantDBErr)
			}
		})
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	env := newTestEnv(t)

	rr, _ := doJSON(t, env.server, http.MethodOptions, "/api/workspaces", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", rr.Code)
	}

	rr, _ = doJSON(t, env.server, http.MethodGet, "/api/health", "", nil)
	headers := map[string]string{
		"Access-Control-Allow-Origin":   "*",
		"Cache-Control":                 "no-store",
		"Access-Control-Expose-Headers": "Content-Disposition, X-Request-ID",
	}
	for name, want := range headers {
		if got := rr.Header().Get(name); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}
