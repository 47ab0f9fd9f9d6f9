package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/instances"
	"golang.org/x/time/rate"
)

// Candidate is a single resolution attempt target. The proxy pool yields one
// candidate per instance; the direct and static providers yield one each.
type Candidate struct {
	// Name identifies the candidate for logging and failure attribution.
	Name string

	// Instance is the proxy instance URL when the candidate belongs to the
	// pool, empty otherwise. Set, it enables per-instance rate limiting and
	// health recording.
	Instance string

	// Resolve attempts to produce a playable source for the track.
	Resolve func(ctx context.Context, track *player.Track) (*player.ResolvedSource, error)
}

// Provider contributes candidates in priority order.
type Provider interface {
	Name() string
	Candidates(ctx context.Context) []Candidate
}

// OfflineSource answers whether a track can be served from the offline cache
// without touching the network.
type OfflineSource interface {
	ResolveOffline(ctx context.Context, trackID string) (*player.ResolvedSource, bool)
}

// Options tunes resolution behavior. Zero values fall back to the defaults
// observed in production.
type Options struct {
	// AttemptTimeout bounds each candidate attempt (metadata lookups).
	AttemptTimeout time.Duration

	// CandidateDelay is the pause between consecutive candidates, so a
	// failing chain does not hammer upstreams.
	CandidateDelay time.Duration

	// InstanceMinInterval is the minimum spacing between two requests to
	// the same proxy instance.
	InstanceMinInterval time.Duration

	// CacheTTL bounds how long successful network resolutions are reused.
	CacheTTL time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.CandidateDelay < 0 {
		opts.CandidateDelay = 0
	} else if opts.CandidateDelay == 0 {
		opts.CandidateDelay = 500 * time.Millisecond
	}
	if opts.InstanceMinInterval == 0 {
		opts.InstanceMinInterval = time.Second
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return opts
}

// Resolver turns a Track into a playable source by trying the offline cache
// first and then an ordered chain of upstream candidates with per-attempt
// timeouts, per-instance rate limiting, and inter-candidate delays.
//
// Attempts against the same instance are strictly sequential; the chain as a
// whole is tried one candidate at a time rather than raced, to keep failure
// attribution unambiguous and avoid amplifying load on failing upstreams.
type Resolver struct {
	offline   OfflineSource
	providers []Provider
	registry  *instances.Registry
	opts      Options
	cache     *ttlCache
	logger    player.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a resolver over the given providers, tried in order.
func New(offline OfflineSource, providers []Provider, registry *instances.Registry, opts Options, logger player.Logger) *Resolver {
	normalized := opts.withDefaults()
	return &Resolver{
		offline:   offline,
		providers: providers,
		registry:  registry,
		opts:      normalized,
		cache:     newTTLCache(normalized.CacheTTL),
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Resolve produces a playable source for the track or fails with a
// *ResolutionError carrying every candidate's error.
func (r *Resolver) Resolve(ctx context.Context, track *player.Track) (*player.ResolvedSource, error) {
	if track == nil || track.ID == "" {
		return nil, &SourceError{Source: "resolver", Err: ErrNotFound}
	}

	// Offline entries short-circuit resolution entirely: no network request
	// is ever issued for a downloaded track.
	if r.offline != nil {
		if source, ok := r.offline.ResolveOffline(ctx, track.ID); ok {
			if r.logger != nil {
				r.logger.Debug("resolved from offline cache", "track", track.ID)
			}
			return source, nil
		}
	}

	cacheKey := "resolve/" + track.ID
	if source, ok := r.cache.get(cacheKey); ok {
		if r.logger != nil {
			r.logger.Debug("resolved from ttl cache", "track", track.ID, "source", source.Source)
		}
		return source, nil
	}

	var candidates []Candidate
	for _, provider := range r.providers {
		candidates = append(candidates, provider.Candidates(ctx)...)
	}

	resErr := &ResolutionError{TrackID: track.ID}
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if candidate.Instance != "" {
			if err := r.waitInstance(ctx, candidate.Instance); err != nil {
				return nil, err
			}
		}

		source, latency, err := r.attempt(ctx, candidate, track)
		if err == nil {
			r.recordOutcome(ctx, candidate, true, latency, "")
			r.cache.put(cacheKey, source)
			if r.logger != nil {
				r.logger.Info("track resolved", "track", track.ID, "source", candidate.Name, "latency_ms", latency.Milliseconds())
			}
			return source, nil
		}

		r.recordOutcome(ctx, candidate, false, latency, err.Error())
		resErr.PerCandidate = append(resErr.PerCandidate, CandidateError{
			Candidate: candidate.Name,
			Instance:  candidate.Instance,
			Err:       err,
		})
		if r.logger != nil {
			r.logger.Warn("candidate failed", "track", track.ID, "candidate", candidate.Name, "error", err)
		}

		if i < len(candidates)-1 && r.opts.CandidateDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.opts.CandidateDelay):
			}
		}
	}

	return nil, resErr
}

// Invalidate drops any cached resolution for the track, forcing the next
// Resolve to hit upstreams again. The mid-stream retry path uses this when a
// previously resolved URL went bad during playback.
func (r *Resolver) Invalidate(trackID string) {
	r.cache.invalidate("resolve/" + trackID)
}

func (r *Resolver) attempt(ctx context.Context, candidate Candidate, track *player.Track) (*player.ResolvedSource, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	source, err := candidate.Resolve(attemptCtx, track)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	if source == nil || source.URL == "" {
		return nil, latency, &SourceError{Source: candidate.Name, TrackID: track.ID, Err: ErrBadPayload}
	}
	if source.Source == "" {
		source.Source = candidate.Name
	}
	return source, latency, nil
}

// waitInstance enforces the minimum inter-request interval per instance.
// A request issued sooner than the interval after the previous one sleeps
// the remainder; the wait is context-aware so cancellation frees the slot.
func (r *Resolver) waitInstance(ctx context.Context, instance string) error {
	r.limiterMu.Lock()
	limiter, ok := r.limiters[instance]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.opts.InstanceMinInterval), 1)
		r.limiters[instance] = limiter
	}
	r.limiterMu.Unlock()

	return limiter.Wait(ctx)
}

func (r *Resolver) recordOutcome(ctx context.Context, candidate Candidate, success bool, latency time.Duration, errMsg string) {
	if candidate.Instance == "" || r.registry == nil {
		return
	}
	r.registry.RecordResult(ctx, candidate.Instance, player.InstanceTestResult{
		Success:   success,
		LatencyMs: latency.Milliseconds(),
		Error:     errMsg,
		TestedAt:  time.Now(),
	})
}
