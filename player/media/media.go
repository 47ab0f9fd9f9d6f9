// Package media defines the rendering resource the playback engine drives.
// The engine's state machine only ever talks to this interface, so it can be
// unit-tested against a fake resource; the beep-backed implementation in this
// package is one concrete renderer.
package media

import "time"

// EventKind identifies a resource event.
type EventKind int

const (
	// EventLoadedMetadata fires once duration is known after a Load.
	EventLoadedMetadata EventKind = iota
	// EventCanPlay fires when the resource is ready to start playback.
	EventCanPlay
	// EventTimeUpdate fires periodically while playing.
	EventTimeUpdate
	// EventWaiting fires when the resource stalls fetching data.
	EventWaiting
	// EventEnded fires when playback reaches the end of the stream.
	EventEnded
	// EventError fires when the resource fails after a successful Load.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventLoadedMetadata:
		return "loadedmetadata"
	case EventCanPlay:
		return "canplay"
	case EventTimeUpdate:
		return "timeupdate"
	case EventWaiting:
		return "waiting"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event carries a resource event and its payload.
type Event struct {
	Kind     EventKind
	Position time.Duration
	Duration time.Duration
	Err      error
}

// Handler receives resource events. Handlers are invoked from the resource's
// own goroutines and must not block.
type Handler func(Event)

// Resource is a single rendering slot: one loaded URL, transport controls,
// and event callbacks. Implementations are not required to be safe for
// concurrent method calls; the engine serializes access.
type Resource interface {
	// Load binds a URL to the resource and begins fetching it. A second
	// Load replaces the previous stream.
	Load(url string) error

	Play() error
	Pause() error

	Position() time.Duration
	SetPosition(pos time.Duration) error
	Duration() time.Duration

	Volume() float64
	SetVolume(level float64)

	// OnEvent registers the event handler. Only one handler is kept; the
	// engine fans events out to its subscribers itself.
	OnEvent(handler Handler)

	// Close releases the underlying stream and stops event delivery.
	Close() error
}

// Factory creates fresh resources. The engine needs two live resources
// during a crossfade, so it creates them on demand rather than owning one.
type Factory func() Resource
