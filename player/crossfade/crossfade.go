// Package crossfade overlaps the tail of the current track with the head of
// the next one: the upcoming track is resolved and loaded ahead of time, then
// both streams play together while their volumes ramp in opposite directions.
package crossfade

import (
	"context"
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/engine"
	"github.com/vibetune/OpenTune-Go/player/media"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

const (
	// fadeTick is the volume ramp resolution.
	fadeTick = 50 * time.Millisecond

	// prefetchLead is how long before the fade window the next track starts
	// resolving and loading.
	prefetchLead = 10 * time.Second
)

type prefetchState struct {
	track    player.Track
	source   *player.ResolvedSource
	resource media.Resource
	ready    bool
	failed   bool
}

// Controller implements engine.Transition. It is a no-op while disabled or
// while the fade duration is zero; the engine then falls back to plain
// advance-on-ended (a hard cut).
type Controller struct {
	lifecycle context.Context
	engine    *engine.Engine
	resolver  *resolver.Resolver
	factory   media.Factory
	logger    player.Logger

	mu       sync.Mutex
	enabled  bool
	duration time.Duration

	prefetch *prefetchState
	fading   bool
	fadeStop chan struct{}
}

// New creates a disabled controller; call Configure to arm it. The lifecycle
// context bounds pre-fetch resolutions.
func New(lifecycle context.Context, eng *engine.Engine, res *resolver.Resolver, factory media.Factory, logger player.Logger) *Controller {
	return &Controller{
		lifecycle: lifecycle,
		engine:    eng,
		resolver:  res,
		factory:   factory,
		logger:    logger,
	}
}

// Configure sets the crossfade policy. Duration zero disables fading even
// when enabled is true.
func (c *Controller) Configure(enabled bool, duration time.Duration) {
	c.mu.Lock()
	c.enabled = enabled && duration > 0
	c.duration = duration
	c.mu.Unlock()
}

// Enabled reports whether fades are armed.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// OnProgress implements engine.Transition. It drives both the pre-fetch of
// the next track and the decision to start fading.
func (c *Controller) OnProgress(position, duration time.Duration) {
	c.mu.Lock()
	if !c.enabled || duration <= 0 || c.fading {
		c.mu.Unlock()
		return
	}
	fade := c.duration
	remaining := duration - position
	prefetch := c.prefetch
	c.mu.Unlock()

	if remaining <= fade+prefetchLead && prefetch == nil {
		c.startPrefetch()
		c.mu.Lock()
		prefetch = c.prefetch
		c.mu.Unlock()
	}

	if remaining > fade {
		return
	}

	// Read engine state before taking c.mu: the engine calls Cancel while
	// holding its own lock, so the controller must never hold c.mu while
	// waiting on the engine.
	target := c.engine.Volume()
	next := c.engine.PeekNext()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fading || c.prefetch == nil || !c.prefetch.ready {
		// Nothing warmed up in time; the track will end naturally and the
		// engine hard-cuts to the next one.
		return
	}
	if next == nil || next.ID != c.prefetch.track.ID {
		// The queue moved after pre-fetch; the loaded stream is stale.
		c.dropPrefetchLocked()
		return
	}

	c.beginFadeLocked(remaining, target)
}

// startPrefetch resolves and loads the upcoming track in the background.
// A mid-stream retry for the current track wins over pre-fetch: both compete
// for resolution capacity and the audible track matters more.
func (c *Controller) startPrefetch() {
	snapshot := c.engine.Snapshot()
	if snapshot.Track != nil && c.engine.RetryInFlight(snapshot.Track.ID) {
		return
	}

	next := c.engine.PeekNext()
	if next == nil {
		return
	}
	// Repeat-one replays the same track; overlapping a track with itself
	// sounds wrong, so skip the fade entirely.
	if snapshot.Track != nil && next.ID == snapshot.Track.ID {
		return
	}

	c.mu.Lock()
	if c.prefetch != nil {
		c.mu.Unlock()
		return
	}
	state := &prefetchState{track: *next}
	c.prefetch = state
	c.mu.Unlock()

	go func() {
		source, err := c.resolver.Resolve(c.lifecycle, &state.track)
		if err != nil {
			c.failPrefetch(state, err)
			return
		}

		resource := c.factory()
		resource.SetVolume(0)
		if err := resource.Load(source.URL); err != nil {
			resource.Close()
			c.failPrefetch(state, err)
			return
		}

		c.mu.Lock()
		if c.prefetch != state {
			c.mu.Unlock()
			resource.Close()
			return
		}
		state.source = source
		state.resource = resource
		state.ready = true
		c.mu.Unlock()

		if c.logger != nil {
			c.logger.Debug("next track pre-fetched", "track", state.track.ID, "source", source.Source)
		}
	}()
}

func (c *Controller) failPrefetch(state *prefetchState, err error) {
	c.mu.Lock()
	if c.prefetch == state {
		state.failed = true
	}
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Warn("pre-fetch failed, will hard-cut", "track", state.track.ID, "error", err)
	}
}

// beginFadeLocked starts the volume ramp. Caller holds c.mu.
func (c *Controller) beginFadeLocked(remaining time.Duration, target float64) {
	state := c.prefetch
	fade := c.duration
	if remaining < fade {
		fade = remaining
	}
	if fade < fadeTick {
		fade = fadeTick
	}

	c.fading = true
	stop := make(chan struct{})
	c.fadeStop = stop

	if err := state.resource.Play(); err != nil {
		if c.logger != nil {
			c.logger.Warn("fade-in start failed, hard-cutting", "track", state.track.ID, "error", err)
		}
		c.dropPrefetchLocked()
		c.fading = false
		c.fadeStop = nil
		return
	}

	go c.runFade(state, stop, fade, target)
}

// runFade ramps the outgoing stream down and the incoming one up on a fixed
// tick. Both ramps are linear and monotonic; when the ramp completes the
// incoming stream is promoted to current.
func (c *Controller) runFade(state *prefetchState, stop chan struct{}, fade time.Duration, target float64) {
	ticker := time.NewTicker(fadeTick)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		progress := float64(time.Since(start)) / float64(fade)
		if progress >= 1 {
			break
		}
		c.engine.FadeVolume(target * (1 - progress))
		state.resource.SetVolume(target * progress)
	}

	state.resource.SetVolume(target)
	c.finish(state)
}

// finish promotes the faded-in stream to the current track.
func (c *Controller) finish(state *prefetchState) {
	c.mu.Lock()
	if c.prefetch != state {
		c.mu.Unlock()
		return
	}
	c.prefetch = nil
	c.fading = false
	c.fadeStop = nil
	c.mu.Unlock()

	c.engine.PromoteNext(state.resource, state.track, state.source)
}

// OnTrackEnded implements engine.Transition. An in-flight fade finishes
// immediately; a ready pre-fetch is promoted on the spot, which makes the
// transition gapless even when the fade window never opened.
func (c *Controller) OnTrackEnded() bool {
	c.mu.Lock()
	state := c.prefetch
	fading := c.fading
	if state == nil || !state.ready {
		c.dropPrefetchLocked()
		c.mu.Unlock()
		return false
	}
	if fading && c.fadeStop != nil {
		close(c.fadeStop)
		c.fadeStop = nil
	}
	c.prefetch = nil
	c.fading = false
	c.mu.Unlock()

	if !fading {
		if err := state.resource.Play(); err != nil {
			state.resource.Close()
			return false
		}
	}
	state.resource.SetVolume(c.engine.Volume())
	c.engine.PromoteNext(state.resource, state.track, state.source)
	return true
}

// Cancel implements engine.Transition: manual skips and seeks abort any
// fade and throw away the pre-fetched stream.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fadeStop != nil {
		close(c.fadeStop)
		c.fadeStop = nil
	}
	c.fading = false
	c.dropPrefetchLocked()
}

// dropPrefetchLocked discards the pre-fetched stream. Caller holds c.mu.
func (c *Controller) dropPrefetchLocked() {
	if c.prefetch == nil {
		return
	}
	if c.prefetch.resource != nil {
		// Close releases the stream; it never calls back into the engine.
		go c.prefetch.resource.Close()
	}
	c.prefetch = nil
}
