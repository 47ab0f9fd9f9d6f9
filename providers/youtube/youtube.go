// Package youtube resolves tracks through the embedded extraction library,
// the first candidate in the resolution chain.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	ytdl "github.com/kkdai/youtube/v2"
	"github.com/sony/gobreaker"
	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

// Provider extracts playable stream URLs in-process. Extraction breaks in
// bursts when the upstream changes its player code, so calls run behind a
// circuit breaker that fails fast while the upstream is known-broken.
type Provider struct {
	client  *ytdl.Client
	breaker *gobreaker.CircuitBreaker
	retry   resolver.RetryPolicy
	logger  player.Logger
}

// New creates the direct extraction provider.
func New(logger player.Logger) *Provider {
	settings := gobreaker.Settings{
		Name:        "youtube-extract",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &Provider{
		client:  &ytdl.Client{},
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry: resolver.RetryPolicy{
			MaxAttempts: 2,
			Backoff:     resolver.HTTPBackoff(200*time.Millisecond, 2*time.Second),
		},
		logger: logger,
	}
}

// Name implements resolver.Provider.
func (p *Provider) Name() string {
	return "youtube"
}

// Candidates implements resolver.Provider.
func (p *Provider) Candidates(_ context.Context) []resolver.Candidate {
	return []resolver.Candidate{{
		Name:    "youtube",
		Resolve: p.resolve,
	}}
}

func (p *Provider) resolve(ctx context.Context, track *player.Track) (*player.ResolvedSource, error) {
	var source *player.ResolvedSource
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.retry.Do(ctx, func() error {
			resolved, err := p.extract(ctx, track)
			if err != nil {
				return err
			}
			source = resolved
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

func (p *Provider) extract(ctx context.Context, track *player.Track) (*player.ResolvedSource, error) {
	video, err := p.client.GetVideoContext(ctx, track.ID)
	if err != nil {
		return nil, p.classify(track.ID, err)
	}

	format := bestAudioFormat(video.Formats)
	if format == nil {
		return nil, &resolver.SourceError{Source: "youtube", TrackID: track.ID, Err: resolver.ErrUnavailable}
	}

	streamURL, err := p.client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, p.classify(track.ID, err)
	}

	return &player.ResolvedSource{
		URL:       streamURL,
		MimeType:  format.MimeType,
		Quality:   format.AudioQuality,
		Source:    "youtube",
		ExpiresAt: expiryFromURL(streamURL),
	}, nil
}

func (p *Provider) classify(trackID string, err error) error {
	wrapped := err
	switch {
	case errors.Is(err, ytdl.ErrVideoIDMinLength), errors.Is(err, ytdl.ErrInvalidCharactersInVideoID):
		wrapped = fmt.Errorf("%w: %v", resolver.ErrNotFound, err)
	case strings.Contains(err.Error(), "status code: 429"):
		wrapped = fmt.Errorf("%w: %v", resolver.ErrRateLimited, err)
	}
	return &resolver.SourceError{Source: "youtube", TrackID: trackID, Err: wrapped}
}

// bestAudioFormat picks the highest-bitrate audio-only format, falling back
// to any format carrying audio channels.
func bestAudioFormat(formats ytdl.FormatList) *ytdl.Format {
	withAudio := formats.WithAudioChannels()
	if len(withAudio) == 0 {
		return nil
	}

	var best *ytdl.Format
	for i := range withAudio {
		format := &withAudio[i]
		audioOnly := strings.HasPrefix(format.MimeType, "audio/")
		if best == nil {
			best = format
			continue
		}
		bestAudioOnly := strings.HasPrefix(best.MimeType, "audio/")
		if audioOnly != bestAudioOnly {
			if audioOnly {
				best = format
			}
			continue
		}
		if format.Bitrate > best.Bitrate {
			best = format
		}
	}
	return best
}

// expiryFromURL extracts the signed-URL expiry when the CDN exposes one.
// Best effort: many upstream URLs carry an `expire` unix timestamp.
func expiryFromURL(raw string) *time.Time {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	expire := parsed.Query().Get("expire")
	if expire == "" {
		return nil
	}
	unix, err := strconv.ParseInt(expire, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}
