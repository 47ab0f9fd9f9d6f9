// Package static is the last-resort resolution candidate: a fixed URL
// template expanded with the track id. It never issues a network request
// itself; whether the URL actually plays is discovered by the renderer.
package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

// Provider expands a URL template per track.
type Provider struct {
	template string
}

// New creates the static fallback provider. The template must contain %s,
// which is replaced by the track id.
func New(template string) *Provider {
	return &Provider{template: template}
}

// Name implements resolver.Provider.
func (p *Provider) Name() string {
	return "static"
}

// Candidates implements resolver.Provider. A provider with no template
// contributes nothing.
func (p *Provider) Candidates(_ context.Context) []resolver.Candidate {
	if p.template == "" || !strings.Contains(p.template, "%s") {
		return nil
	}
	return []resolver.Candidate{{
		Name:    "static",
		Resolve: p.resolve,
	}}
}

func (p *Provider) resolve(_ context.Context, track *player.Track) (*player.ResolvedSource, error) {
	if track.ID == "" {
		return nil, &resolver.SourceError{Source: "static", Err: resolver.ErrNotFound}
	}
	return &player.ResolvedSource{
		URL:      fmt.Sprintf(p.template, track.ID),
		MimeType: "audio/mpeg",
		Quality:  "unknown",
	}, nil
}
