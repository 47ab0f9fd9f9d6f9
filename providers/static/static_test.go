package static

import (
	"context"
	"testing"

	"github.com/vibetune/OpenTune-Go/player"
)

func TestCandidatesRequireTemplate(t *testing.T) {
	if candidates := New("").Candidates(context.Background()); candidates != nil {
		t.Fatal("empty template must contribute no candidates")
	}
	if candidates := New("https://cdn.example.org/audio").Candidates(context.Background()); candidates != nil {
		t.Fatal("template without placeholder must contribute no candidates")
	}
}

func TestResolveExpandsTemplate(t *testing.T) {
	provider := New("https://cdn.example.org/audio/%s.mp3")
	candidates := provider.Candidates(context.Background())
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	source, err := candidates[0].Resolve(context.Background(), &player.Track{ID: "abc123"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if source.URL != "https://cdn.example.org/audio/abc123.mp3" {
		t.Errorf("unexpected URL %s", source.URL)
	}

	if _, err := candidates[0].Resolve(context.Background(), &player.Track{}); err == nil {
		t.Fatal("expected error for missing track id")
	}
}
