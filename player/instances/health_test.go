package instances

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
)

func TestHealthCheckClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantHealthy bool
	}{
		{
			name:        "json 200 is healthy",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `[]`,
			wantHealthy: true,
		},
		{
			name:        "html 200 is a block page",
			status:      http.StatusOK,
			contentType: "text/html; charset=utf-8",
			body:        "<html>blocked</html>",
			wantHealthy: false,
		},
		{
			name:        "server error",
			status:      http.StatusBadGateway,
			contentType: "application/json",
			body:        `{}`,
			wantHealthy: false,
		},
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			contentType: "application/json",
			body:        `{}`,
			wantHealthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			registry := NewRegistry(nil, nil)
			registry.Add(player.InstanceRecord{URL: server.URL})

			checker := NewHealthChecker(registry, "/trending?region=US", 2*time.Second, nil)
			result := checker.Check(context.Background(), server.URL)

			if result.Success != tt.wantHealthy {
				t.Errorf("expected healthy=%v, got %v (error %q)", tt.wantHealthy, result.Success, result.Error)
			}
			if result.TestedAt.IsZero() {
				t.Error("expected TestedAt to be set")
			}
		})
	}
}

func TestHealthCheckRecordsIntoRegistry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	registry := NewRegistry(nil, nil)
	registry.Add(player.InstanceRecord{URL: server.URL})

	checker := NewHealthChecker(registry, "/trending?region=US", 2*time.Second, nil)
	checker.Check(context.Background(), server.URL)

	all := registry.All()
	if all[0].LastResult == nil || !all[0].LastResult.Success {
		t.Fatal("expected success recorded in registry")
	}
}

func TestCheckAllSweepsEveryInstance(t *testing.T) {
	hits := make(chan string, 8)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.Host
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	serverA := httptest.NewServer(handler)
	defer serverA.Close()
	serverB := httptest.NewServer(handler)
	defer serverB.Close()

	registry := NewRegistry(nil, nil)
	registry.Add(player.InstanceRecord{URL: serverA.URL})
	registry.Add(player.InstanceRecord{URL: serverB.URL})

	checker := NewHealthChecker(registry, "/trending?region=US", 2*time.Second, nil)
	checker.CheckAll(context.Background())

	close(hits)
	count := 0
	for range hits {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 probes, got %d", count)
	}
}
