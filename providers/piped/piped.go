// Package piped resolves tracks through the proxy instance pool. Each known
// instance becomes one resolution candidate, in the order the registry ranks
// them.
package piped

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/instances"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

const maxBodySize = 4 << 20 // stream metadata responses are small

// streamsResponse is the subset of the /streams/{id} payload we consume.
type streamsResponse struct {
	Title        string        `json:"title"`
	Uploader     string        `json:"uploader"`
	Duration     int           `json:"duration"`
	Thumbnail    string        `json:"thumbnailUrl"`
	AudioStreams []audioStream `json:"audioStreams"`
}

type audioStream struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Quality  string `json:"quality"`
	Bitrate  int    `json:"bitrate"`
}

// Provider yields one candidate per registry instance. It does no internal
// failover of its own: a failed instance is the resolver's cue to move to the
// next candidate, which keeps failure attribution per-instance.
type Provider struct {
	registry *instances.Registry
	client   *retryablehttp.Client
	logger   player.Logger
}

// New creates the proxy pool provider.
func New(registry *instances.Registry, timeout time.Duration, logger player.Logger) *Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	// Retries across instances belong to the resolver; within one instance a
	// single transport-level retry covers transient connection resets.
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	// A 429 must surface as-is so it can be classified as rate limiting and
	// the resolver moves to the next instance; the default policy would burn
	// the retry budget against the throttling instance and return an opaque
	// exhaustion error instead of the response.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Provider{
		registry: registry,
		client:   client,
		logger:   logger,
	}
}

// Name implements resolver.Provider.
func (p *Provider) Name() string {
	return "piped"
}

// Candidates implements resolver.Provider. The list is re-derived on every
// call so health results recorded during a resolution chain influence the
// next one.
func (p *Provider) Candidates(_ context.Context) []resolver.Candidate {
	ordered := p.registry.GetOrderedInstances()
	candidates := make([]resolver.Candidate, 0, len(ordered))
	for _, record := range ordered {
		instance := record.URL
		candidates = append(candidates, resolver.Candidate{
			Name:     "piped:" + hostOf(instance),
			Instance: instance,
			Resolve: func(ctx context.Context, track *player.Track) (*player.ResolvedSource, error) {
				return p.resolveVia(ctx, instance, track)
			},
		})
	}
	return candidates
}

func (p *Provider) resolveVia(ctx context.Context, instance string, track *player.Track) (*player.ResolvedSource, error) {
	endpoint := instance + "/streams/" + track.ID
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, p.fail(instance, track.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: %v", resolver.ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, p.fail(instance, track.ID, resolver.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return nil, p.fail(instance, track.ID, resolver.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: status %d", resolver.ErrUnavailable, resp.StatusCode))
	}

	// Broken instances commonly return an HTML landing page with a 200, which
	// must not be mistaken for a usable payload.
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: content-type %q", resolver.ErrBadPayload, contentType))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: %v", resolver.ErrBadPayload, err))
	}

	var payload streamsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: %v", resolver.ErrBadPayload, err))
	}

	stream := bestAudioStream(payload.AudioStreams)
	if stream == nil {
		return nil, p.fail(instance, track.ID, fmt.Errorf("%w: no audio streams", resolver.ErrBadPayload))
	}

	return &player.ResolvedSource{
		URL:      stream.URL,
		MimeType: stream.MimeType,
		Quality:  stream.Quality,
	}, nil
}

func (p *Provider) fail(instance, trackID string, err error) error {
	return &resolver.SourceError{Source: "piped:" + hostOf(instance), TrackID: trackID, Err: err}
}

func bestAudioStream(streams []audioStream) *audioStream {
	var best *audioStream
	for i := range streams {
		stream := &streams[i]
		if stream.URL == "" {
			continue
		}
		if best == nil || stream.Bitrate > best.Bitrate {
			best = stream
		}
	}
	return best
}

func hostOf(instance string) string {
	host := strings.TrimPrefix(instance, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}
