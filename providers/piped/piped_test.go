package piped

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/instances"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

func newTestProvider(serverURL string) (*Provider, *instances.Registry) {
	registry := instances.NewRegistry(nil, nil)
	registry.Add(player.InstanceRecord{URL: serverURL})
	return New(registry, 2*time.Second, nil), registry
}

func resolveOne(t *testing.T, provider *Provider, track player.Track) (*player.ResolvedSource, error) {
	t.Helper()
	candidates := provider.Candidates(context.Background())
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	return candidates[0].Resolve(context.Background(), &track)
}

func TestResolvePicksHighestBitrateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams/abc123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"title": "Track",
			"uploader": "Artist",
			"duration": 215,
			"audioStreams": [
				{"url": "http://cdn.example/low", "mimeType": "audio/mp4", "quality": "48kbps", "bitrate": 48000},
				{"url": "http://cdn.example/high", "mimeType": "audio/webm", "quality": "160kbps", "bitrate": 160000},
				{"url": "", "mimeType": "audio/webm", "quality": "broken", "bitrate": 999999}
			]
		}`))
	}))
	defer server.Close()

	provider, _ := newTestProvider(server.URL)
	source, err := resolveOne(t, provider, player.Track{ID: "abc123"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if source.URL != "http://cdn.example/high" {
		t.Errorf("expected highest bitrate stream, got %s", source.URL)
	}
	if source.Quality != "160kbps" || source.MimeType != "audio/webm" {
		t.Errorf("unexpected stream attributes: %+v", source)
	}
}

func TestResolveErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantErr     error
	}{
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			contentType: "application/json",
			body:        `{}`,
			wantErr:     resolver.ErrRateLimited,
		},
		{
			name:        "not found",
			status:      http.StatusNotFound,
			contentType: "application/json",
			body:        `{}`,
			wantErr:     resolver.ErrNotFound,
		},
		{
			name:        "html block page with 200",
			status:      http.StatusOK,
			contentType: "text/html; charset=utf-8",
			body:        "<html>blocked</html>",
			wantErr:     resolver.ErrBadPayload,
		},
		{
			name:        "no audio streams",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"title": "Track", "audioStreams": []}`,
			wantErr:     resolver.ErrBadPayload,
		},
		{
			name:        "malformed json",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{not json`,
			wantErr:     resolver.ErrBadPayload,
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

			provider, _ := newTestProvider(server.URL)
			_, err := resolveOne(t, provider, player.Track{ID: "abc123"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			var sourceErr *resolver.SourceError
			if !errors.As(err, &sourceErr) {
				t.Fatal("expected SourceError for instance attribution")
			}
		})
	}
}

func TestRateLimitedInstanceNotRetried(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider, _ := newTestProvider(server.URL)
	_, err := resolveOne(t, provider, player.Track{ID: "abc123"})
	if !errors.Is(err, resolver.ErrRateLimited) {
		t.Fatalf("expected rate-limit classification, got %v", err)
	}
	if hits != 1 {
		t.Errorf("a throttling instance must not be hammered, got %d requests", hits)
	}
}

func TestCandidatesFollowRegistryOrder(t *testing.T) {
	registry := instances.NewRegistry(nil, nil)
	registry.Add(player.InstanceRecord{URL: "https://a.example.org"})
	registry.Add(player.InstanceRecord{URL: "https://b.example.org"})
	if err := registry.SetPreferred(context.Background(), "https://b.example.org"); err != nil {
		t.Fatalf("set preferred: %v", err)
	}

	provider := New(registry, time.Second, nil)
	candidates := provider.Candidates(context.Background())
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Instance != "https://b.example.org" {
		t.Errorf("expected preferred instance first, got %s", candidates[0].Instance)
	}
	if candidates[0].Name != "piped:b.example.org" {
		t.Errorf("unexpected candidate name %s", candidates[0].Name)
	}
}
