package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeAuditCounter struct {
	count int
	err   error
}

func (f *fakeAuditCounter) AuditCount(ctx context.Context) (int, error) {
	return f.count, f.err
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestHealthEndpoint(t *testing.T) {
	hs := NewHealthServer(":0", &fakeAuditCounter{}, &fakePinger{})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status: %q", resp.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	hs := NewHealthServer(":0", &fakeAuditCounter{count: 42}, &fakePinger{})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AuditCount != 42 {
		t.Errorf("AuditCount: got %d, want 42", resp.AuditCount)
	}
	if !resp.EngineHealthy {
		t.Error("EngineHealthy: got false, want true")
	}
}

func TestStatusEndpoint_EngineDown(t *testing.T) {
	hs := NewHealthServer(":0", &fakeAuditCounter{}, &fakePinger{err: errors.New("dial: no such socket")})

	rec := httptest.NewRecorder()
	hs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EngineHealthy {
		t.Error("EngineHealthy: got true, want false")
	}
	// The endpoint itself stays 200: an unreachable engine is reported in the
	// body, not as an HTTP failure.
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
}
