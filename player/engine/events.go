package engine

import (
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/queue"
)

// State is the playback engine state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateEnded
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies an engine notification.
type EventKind int

const (
	// EventStateChanged fires on every state transition.
	EventStateChanged EventKind = iota
	// EventTrackChanged fires when a different track becomes current.
	EventTrackChanged
	// EventPositionChanged fires on playback position updates.
	EventPositionChanged
	// EventQueueChanged fires on any queue mutation.
	EventQueueChanged
	// EventVolumeChanged fires when the target volume moves.
	EventVolumeChanged
)

// Event is an engine notification plus the full state snapshot at the time
// it was produced. Carrying the snapshot means slow subscribers that drop
// intermediate events still converge on the latest state.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Snapshot is the single authoritative view of playback state. All UI-facing
// consumers read this rather than assembling state from individual fields.
type Snapshot struct {
	State       State
	Track       *player.Track
	QueueIndex  int
	QueueLength int
	RepeatMode  queue.RepeatMode
	Position    time.Duration
	Duration    time.Duration
	Volume      float64
	Source      string
	Offline     bool
	Err         error
}

const subscriptionBuffer = 32

// Subscription is a buffered event feed. Sends never block the engine: when
// the buffer is full the event is dropped, and the next event's snapshot
// carries the current state anyway.
type Subscription struct {
	ch   chan Event
	once sync.Once
}

func newSubscription() *Subscription {
	return &Subscription{ch: make(chan Event, subscriptionBuffer)}
}

// Events returns the event channel. It is closed on Unsubscribe and on
// engine shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) send(event Event) {
	select {
	case s.ch <- event:
	default:
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
