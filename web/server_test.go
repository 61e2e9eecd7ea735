package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type fakeStats struct {
	total, pending int64
	err            error
}

func (f fakeStats) CountObligations(context.Context) (int64, int64, error) {
	return f.total, f.pending, f.err
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name       string
		stats      fakeStats
		path       string
		wantStatus int
		wantBody   string
	}{
		{"status", fakeStats{}, "/", http.StatusOK, `{"status":"running"}`},
		{"stats", fakeStats{total: 5, pending: 2}, "/stats", http.StatusOK, `"obligations_pending":2`},
		{"stats error", fakeStats{err: errors.New("down")}, "/stats", http.StatusInternalServerError, "store unavailable"},
		{"metrics", fakeStats{}, "/metrics", http.StatusOK, "go_goroutines"},
		{"unknown", fakeStats{}, "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Router(tt.stats, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestStatusIsJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	Router(fakeStats{}, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "running" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", fakeStats{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
