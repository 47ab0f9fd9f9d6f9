// Package engine implements the playback state machine: it owns the current
// media resource, drives resolution for the queue's current track, retries
// mid-stream failures, and fans state changes out to subscribers.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/media"
	"github.com/vibetune/OpenTune-Go/player/queue"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

// Transition is the hook a crossfade controller plugs into the engine.
// The engine reports playback progress; the controller decides when to start
// fading and takes over the track switch when it does.
type Transition interface {
	// OnProgress is called on every position update of the current track.
	OnProgress(position, duration time.Duration)

	// OnTrackEnded is called when the current track reaches its end. A true
	// return means the controller handled the switch (it already promoted or
	// is promoting the next track) and the engine must not auto-advance.
	OnTrackEnded() bool

	// Cancel aborts any in-flight transition; called on manual skips, seeks
	// and shutdown.
	Cancel()
}

// Options tunes engine behavior.
type Options struct {
	// MidStream governs re-resolution after a playback failure. The zero
	// value falls back to resolver.MidStreamPolicy().
	MidStream resolver.RetryPolicy

	// InitialVolume is the starting target volume, clamped to [0, 1].
	InitialVolume float64
}

// Engine is the playback core. All mutation goes through its methods; the
// Snapshot it publishes is the only source of truth for playback state.
//
// Resolution is asynchronous and generation-tagged: every cursor movement
// bumps the generation, and a resolution that completes for an older
// generation is discarded instead of clobbering the newer track.
type Engine struct {
	mu sync.Mutex

	lifecycle context.Context
	queue     *queue.Queue
	resolver  *resolver.Resolver
	factory   media.Factory
	history   player.HistoryRepository
	logger    player.Logger

	state    State
	current  *player.Track
	source   *player.ResolvedSource
	resource media.Resource
	volume   float64
	position time.Duration
	duration time.Duration
	lastErr  error

	generation   uint64
	retryPolicy  resolver.RetryPolicy
	retryAttempt int
	retrying     bool

	transition Transition
	closed     bool

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// New creates an engine bound to the given queue and resolver. The lifecycle
// context bounds all background work; cancelling it abandons in-flight
// resolutions.
func New(lifecycle context.Context, q *queue.Queue, r *resolver.Resolver, factory media.Factory, history player.HistoryRepository, logger player.Logger, opts Options) *Engine {
	policy := opts.MidStream
	if policy.MaxAttempts <= 0 {
		policy = resolver.MidStreamPolicy()
	}
	volume := opts.InitialVolume
	if volume <= 0 || volume > 1 {
		volume = 1.0
	}

	return &Engine{
		lifecycle:   lifecycle,
		queue:       q,
		resolver:    r,
		factory:     factory,
		history:     history,
		logger:      logger,
		state:       StateIdle,
		volume:      volume,
		retryPolicy: policy,
		subs:        make(map[*Subscription]struct{}),
	}
}

// SetTransition installs the crossfade hook. Pass nil to disable.
func (e *Engine) SetTransition(t Transition) {
	e.mu.Lock()
	e.transition = t
	e.mu.Unlock()
}

// Subscribe registers a new event feed.
func (e *Engine) Subscribe() *Subscription {
	sub := newSubscription()
	e.subsMu.Lock()
	e.subs[sub] = struct{}{}
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes a feed and closes its channel.
func (e *Engine) Unsubscribe(sub *Subscription) {
	e.subsMu.Lock()
	delete(e.subs, sub)
	e.subsMu.Unlock()
	sub.close()
}

// Snapshot returns the authoritative playback state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:       e.state,
		Track:       e.current,
		QueueIndex:  e.queue.CurrentIndex(),
		QueueLength: e.queue.Len(),
		RepeatMode:  e.queue.RepeatMode(),
		Position:    e.position,
		Duration:    e.duration,
		Volume:      e.volume,
		Err:         e.lastErr,
	}
	if e.source != nil {
		snapshot.Source = e.source.Source
		snapshot.Offline = e.source.Offline
	}
	return snapshot
}

func (e *Engine) publishLocked(kind EventKind) {
	event := Event{Kind: kind, Snapshot: e.snapshotLocked()}
	e.subsMu.Lock()
	for sub := range e.subs {
		sub.send(event)
	}
	e.subsMu.Unlock()
}

// --- Queue facade -----------------------------------------------------------

// SetQueue replaces the queue and starts playback at startIndex.
func (e *Engine) SetQueue(ctx context.Context, tracks []player.Track, startIndex int) {
	current := e.queue.SetQueue(tracks, startIndex)
	e.recordEvent(ctx, player.EventQueueSet, nil)

	e.mu.Lock()
	e.cancelTransitionLocked()
	if current == nil {
		e.stopResourceLocked()
		e.current = nil
		e.source = nil
		e.setStateLocked(StateIdle)
		e.publishLocked(EventQueueChanged)
		e.mu.Unlock()
		return
	}
	e.publishLocked(EventQueueChanged)
	e.playTrackLocked(current)
	e.mu.Unlock()
}

// Enqueue appends a track. When nothing is playing and the queue was empty,
// the appended track starts playing.
func (e *Engine) Enqueue(ctx context.Context, track player.Track) {
	wasEmpty := e.queue.IsEmpty()
	e.queue.Enqueue(track)
	e.recordEvent(ctx, player.EventEnqueue, &track)

	e.mu.Lock()
	e.publishLocked(EventQueueChanged)
	if wasEmpty && (e.state == StateIdle || e.state == StateEnded) {
		if current := e.queue.JumpTo(0); current != nil {
			e.playTrackLocked(current)
		}
	}
	e.mu.Unlock()
}

// PlayNext inserts a track right after the current one.
func (e *Engine) PlayNext(ctx context.Context, track player.Track) {
	e.queue.PlayNext(track)
	e.recordEvent(ctx, player.EventEnqueue, &track)

	e.mu.Lock()
	e.publishLocked(EventQueueChanged)
	e.mu.Unlock()
}

// Remove deletes the queue entry at index. Removing the current track stops
// it and starts whatever now sits under the cursor.
func (e *Engine) Remove(_ context.Context, index int) {
	result := e.queue.RemoveAt(index)
	if !result.Removed {
		return
	}

	e.mu.Lock()
	e.publishLocked(EventQueueChanged)
	if result.RemovedCurrent {
		e.cancelTransitionLocked()
		if result.Next != nil {
			e.playTrackLocked(result.Next)
		} else {
			e.stopResourceLocked()
			e.current = nil
			e.source = nil
			e.setStateLocked(StateIdle)
		}
	}
	e.mu.Unlock()
}

// Reorder moves a queue entry. The current track keeps playing undisturbed.
func (e *Engine) Reorder(from, to int) bool {
	moved := e.queue.Reorder(from, to)
	if moved {
		e.mu.Lock()
		e.publishLocked(EventQueueChanged)
		e.mu.Unlock()
	}
	return moved
}

// ClearQueue empties the queue and stops playback.
func (e *Engine) ClearQueue(ctx context.Context) {
	e.queue.Clear()
	e.recordEvent(ctx, player.EventQueueClear, nil)

	e.mu.Lock()
	e.cancelTransitionLocked()
	e.stopResourceLocked()
	e.current = nil
	e.source = nil
	e.setStateLocked(StateIdle)
	e.publishLocked(EventQueueChanged)
	e.mu.Unlock()
}

// Next skips to the following track. At the end of the queue (repeat off)
// playback stops in the Ended state.
func (e *Engine) Next(_ context.Context) {
	e.mu.Lock()
	e.cancelTransitionLocked()
	if next := e.queue.Advance(); next != nil {
		e.playTrackLocked(next)
	} else {
		e.stopResourceLocked()
		e.setStateLocked(StateEnded)
	}
	e.mu.Unlock()
}

// Previous moves to the preceding track; before the first track it restarts
// the current one.
func (e *Engine) Previous(_ context.Context) {
	e.mu.Lock()
	e.cancelTransitionLocked()
	if prev := e.queue.Retreat(); prev != nil {
		e.playTrackLocked(prev)
	} else if e.current != nil {
		e.playTrackLocked(e.current)
	}
	e.mu.Unlock()
}

// JumpTo starts playback at an explicit queue index.
func (e *Engine) JumpTo(_ context.Context, index int) {
	track := e.queue.JumpTo(index)
	if track == nil {
		return
	}
	e.mu.Lock()
	e.cancelTransitionLocked()
	e.playTrackLocked(track)
	e.mu.Unlock()
}

// SetRepeatMode sets queue boundary behavior.
func (e *Engine) SetRepeatMode(mode queue.RepeatMode) {
	e.queue.SetRepeatMode(mode)
	e.mu.Lock()
	e.publishLocked(EventQueueChanged)
	e.mu.Unlock()
}

// Tracks returns a copy of the queue contents.
func (e *Engine) Tracks() []player.Track {
	return e.queue.Tracks()
}

// PeekNext exposes the queue's upcoming track for pre-fetch.
func (e *Engine) PeekNext() *player.Track {
	return e.queue.PeekNext()
}

// --- Transport --------------------------------------------------------------

// Play resumes paused playback, or restarts the current track after it
// ended or failed. Playing out of the Error state is the manual retry path.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StatePaused, StateReady:
		if e.resource == nil {
			return errors.New("engine: no loaded resource")
		}
		if err := e.resource.Play(); err != nil {
			return err
		}
		e.setStateLocked(StatePlaying)
		return nil
	case StateEnded, StateError:
		if e.current != nil {
			e.playTrackLocked(e.current)
			return nil
		}
		return errors.New("engine: nothing to play")
	case StatePlaying, StateLoading:
		return nil
	default:
		return errors.New("engine: nothing to play")
	}
}

// Pause suspends playback.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying || e.resource == nil {
		return nil
	}
	if err := e.resource.Pause(); err != nil {
		return err
	}
	e.setStateLocked(StatePaused)
	return nil
}

// TogglePlay flips between playing and paused.
func (e *Engine) TogglePlay() error {
	e.mu.Lock()
	playing := e.state == StatePlaying
	e.mu.Unlock()
	if playing {
		return e.Pause()
	}
	return e.Play()
}

// Seek moves the playback position, clamped to [0, duration].
func (e *Engine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resource == nil {
		return errors.New("engine: no loaded resource")
	}
	e.cancelTransitionLocked()
	if pos < 0 {
		pos = 0
	}
	if e.duration > 0 && pos > e.duration {
		pos = e.duration
	}
	if err := e.resource.SetPosition(pos); err != nil {
		return err
	}
	e.position = pos
	// An aborted fade-out may have left the stream below the target volume.
	e.resource.SetVolume(e.volume)
	e.publishLocked(EventPositionChanged)
	return nil
}

// SetVolume sets the target volume, clamped to [0, 1].
func (e *Engine) SetVolume(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	e.mu.Lock()
	e.volume = level
	if e.resource != nil {
		e.resource.SetVolume(level)
	}
	e.publishLocked(EventVolumeChanged)
	e.mu.Unlock()
}

// Volume returns the target volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// FadeVolume applies a momentary volume to the live resource without moving
// the target. The crossfade controller drives this on its fade-out ramp.
func (e *Engine) FadeVolume(level float64) {
	e.mu.Lock()
	if e.resource != nil {
		e.resource.SetVolume(level)
	}
	e.mu.Unlock()
}

// RetryInFlight reports whether a mid-stream re-resolution is in progress
// for the given track. Pre-fetch defers to it: retrying the current track
// takes precedence over warming up the next one.
func (e *Engine) RetryInFlight(trackID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retrying && e.current != nil && e.current.ID == trackID
}

// Stop halts playback and releases the resource, keeping the queue intact.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancelTransitionLocked()
	e.stopResourceLocked()
	e.setStateLocked(StateIdle)
	e.mu.Unlock()
}

// Close shuts the engine down and closes all subscriptions.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.generation++
	e.cancelTransitionLocked()
	e.stopResourceLocked()
	e.mu.Unlock()

	e.subsMu.Lock()
	for sub := range e.subs {
		sub.close()
		delete(e.subs, sub)
	}
	e.subsMu.Unlock()
	return nil
}

// PromoteNext installs an already-loaded resource as the current track and
// advances the queue cursor. The crossfade controller calls this when its
// fade completes; the outgoing resource is released here.
func (e *Engine) PromoteNext(resource media.Resource, track player.Track, source *player.ResolvedSource) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		resource.Close()
		return
	}

	advanced := e.queue.Advance()
	if advanced == nil || advanced.ID != track.ID {
		// The queue moved under the transition; the prefetched track is no
		// longer next. Drop it and let normal advance handling take over.
		e.mu.Unlock()
		resource.Close()
		return
	}

	e.stopResourceLocked()
	e.generation++
	gen := e.generation

	e.current = advanced
	e.source = source
	e.resource = resource
	e.position = 0
	e.duration = resource.Duration()
	e.lastErr = nil
	e.retryAttempt = 0
	e.retrying = false

	resource.OnEvent(func(event media.Event) {
		e.handleMediaEvent(gen, event)
	})
	resource.SetVolume(e.volume)

	e.setStateLocked(StatePlaying)
	e.publishLocked(EventTrackChanged)
	track = *advanced
	e.mu.Unlock()

	e.recordEvent(e.lifecycle, player.EventPlay, &track)
}

// --- Internal state machine -------------------------------------------------

func (e *Engine) setStateLocked(state State) {
	if e.state == state {
		return
	}
	e.state = state
	e.publishLocked(EventStateChanged)
}

func (e *Engine) stopResourceLocked() {
	if e.resource != nil {
		e.resource.Close()
		e.resource = nil
	}
	e.position = 0
	e.duration = 0
}

func (e *Engine) cancelTransitionLocked() {
	if e.transition != nil {
		// Cancel must not call back into the engine synchronously.
		e.transition.Cancel()
	}
}

// playTrackLocked makes track current and kicks off async resolution.
func (e *Engine) playTrackLocked(track *player.Track) {
	if e.closed {
		return
	}

	e.generation++
	gen := e.generation

	e.stopResourceLocked()
	copied := *track
	e.current = &copied
	e.source = nil
	e.duration = time.Duration(track.Duration) * time.Second
	e.lastErr = nil
	e.retryAttempt = 0
	e.retrying = false
	e.setStateLocked(StateLoading)
	e.publishLocked(EventTrackChanged)

	go e.resolveAndLoad(gen, copied, 0, false)
}

// resolveAndLoad resolves a track and binds the resulting stream, unless the
// generation moved on in the meantime.
func (e *Engine) resolveAndLoad(gen uint64, track player.Track, resume time.Duration, isRetry bool) {
	source, err := e.resolver.Resolve(e.lifecycle, &track)
	if err != nil {
		if e.lifecycle.Err() != nil {
			return
		}
		e.handleLoadFailure(gen, track, resume, isRetry, err)
		return
	}

	if e.stale(gen) {
		if e.logger != nil {
			e.logger.Debug("discarding stale resolution", "track", track.ID)
		}
		return
	}

	resource := e.factory()
	resource.OnEvent(func(event media.Event) {
		e.handleMediaEvent(gen, event)
	})
	resource.SetVolume(e.Volume())

	// Load fetches the payload; keep the lock released while it runs.
	if err := resource.Load(source.URL); err != nil {
		resource.Close()
		e.handleLoadFailure(gen, track, resume, isRetry, err)
		return
	}

	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		resource.Close()
		return
	}

	e.source = source
	e.resource = resource
	if d := resource.Duration(); d > 0 {
		e.duration = d
	}
	e.retrying = false
	e.setStateLocked(StateReady)

	if resume > 0 {
		if err := resource.SetPosition(resume); err == nil {
			e.position = resume
		}
	}

	startErr := resource.Play()
	if startErr == nil {
		e.setStateLocked(StatePlaying)
	} else {
		e.lastErr = startErr
		e.setStateLocked(StateError)
	}
	e.mu.Unlock()

	if startErr == nil && !isRetry {
		e.recordEvent(e.lifecycle, player.EventPlay, &track)
	}
}

func (e *Engine) stale(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen != e.generation || e.closed
}

// handleLoadFailure routes a resolution or load error either into the
// mid-stream retry loop or into the terminal Error state.
func (e *Engine) handleLoadFailure(gen uint64, track player.Track, resume time.Duration, isRetry bool, err error) {
	if isRetry {
		if e.scheduleRetry(gen, track, resume, err) {
			return
		}
		e.enterError(gen, err)
		return
	}

	// First load: the resolver already walked the entire candidate chain, so
	// there is nothing left to retry against.
	e.enterError(gen, err)
}

func (e *Engine) enterError(gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || e.closed {
		return
	}
	e.stopResourceLocked()
	e.lastErr = err
	e.retrying = false
	e.setStateLocked(StateError)
	if e.logger != nil {
		var trackID string
		if e.current != nil {
			trackID = e.current.ID
		}
		e.logger.Error("playback failed", "track", trackID, "error", err)
	}
}

// scheduleRetry books another mid-stream attempt. Returns false when the
// retry budget is spent.
func (e *Engine) scheduleRetry(gen uint64, track player.Track, resume time.Duration, cause error) bool {
	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		return true // superseded, nothing more to do
	}

	e.retryAttempt++
	if e.retryAttempt >= e.retryPolicy.MaxAttempts {
		e.mu.Unlock()
		return false
	}
	attempt := e.retryAttempt
	e.retrying = true
	e.lastErr = cause
	e.setStateLocked(StateLoading)
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Warn("mid-stream failure, re-resolving", "track", track.ID, "attempt", attempt, "error", cause)
	}

	go func() {
		// Backoff is 0-based: the first retry waits Backoff(0).
		wait := e.retryPolicy.Backoff(attempt - 1)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-e.lifecycle.Done():
				return
			case <-timer.C:
			}
		}
		// The cached resolution produced the failing URL; force a fresh one.
		e.resolver.Invalidate(track.ID)
		e.resolveAndLoad(gen, track, resume, true)
	}()
	return true
}

// handleMediaEvent receives resource callbacks. Events from a superseded
// generation are dropped.
func (e *Engine) handleMediaEvent(gen uint64, event media.Event) {
	switch event.Kind {
	case media.EventTimeUpdate:
		e.handleTimeUpdate(gen, event)
	case media.EventLoadedMetadata:
		e.mu.Lock()
		if gen == e.generation && event.Duration > 0 {
			e.duration = event.Duration
		}
		e.mu.Unlock()
	case media.EventEnded:
		e.handleEnded(gen)
	case media.EventError:
		e.handleMediaError(gen, event.Err)
	}
}

func (e *Engine) handleTimeUpdate(gen uint64, event media.Event) {
	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		return
	}
	e.position = event.Position
	if event.Duration > 0 {
		e.duration = event.Duration
	}
	position, duration := e.position, e.duration
	transition := e.transition
	e.publishLocked(EventPositionChanged)
	e.mu.Unlock()

	if transition != nil {
		transition.OnProgress(position, duration)
	}
}

func (e *Engine) handleEnded(gen uint64) {
	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		return
	}
	transition := e.transition
	e.mu.Unlock()

	if transition != nil && transition.OnTrackEnded() {
		return
	}

	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		return
	}
	if next := e.queue.Advance(); next != nil {
		e.playTrackLocked(next)
	} else {
		e.stopResourceLocked()
		e.setStateLocked(StateEnded)
	}
	e.mu.Unlock()
}

// handleMediaError starts the mid-stream retry loop: the stream died during
// playback, usually because a signed URL expired.
func (e *Engine) handleMediaError(gen uint64, cause error) {
	e.mu.Lock()
	if gen != e.generation || e.closed {
		e.mu.Unlock()
		return
	}
	var track player.Track
	if e.current != nil {
		track = *e.current
	}
	resume := e.position
	e.stopResourceLocked()
	e.position = resume
	e.mu.Unlock()

	if track.ID == "" {
		e.enterError(gen, cause)
		return
	}
	if !e.scheduleRetry(gen, track, resume, cause) {
		e.enterError(gen, cause)
	}
}

// recordEvent writes a history record; failures are logged, never fatal.
func (e *Engine) recordEvent(ctx context.Context, kind string, track *player.Track) {
	if e.history == nil {
		return
	}
	event := &player.PlayEvent{Kind: kind}
	if track != nil {
		event.TrackID = track.ID
		event.Title = track.Title
		event.Artist = track.Artist
		event.Duration = track.Duration
	}
	e.mu.Lock()
	if kind == player.EventPlay && e.source != nil {
		event.Source = e.source.Source
	}
	e.mu.Unlock()

	if err := e.history.RecordEvent(ctx, event); err != nil && e.logger != nil {
		e.logger.Warn("record history event failed", "kind", kind, "error", err)
	}
}
