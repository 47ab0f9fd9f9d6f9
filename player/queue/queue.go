package queue

import (
	"sync"

	"github.com/vibetune/OpenTune-Go/player"
)

// RepeatMode defines the repeat behavior at queue boundaries.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatAll
	RepeatOne
)

// String returns the repeat mode name.
func (m RepeatMode) String() string {
	switch m {
	case RepeatOff:
		return "off"
	case RepeatAll:
		return "all"
	case RepeatOne:
		return "one"
	default:
		return "unknown"
	}
}

// Queue is the ordered, mutable playback queue plus a cursor.
//
// Invariants: the cursor is -1 when nothing is current and otherwise a valid
// index into the queue; reordering preserves the identity of the current
// track (the cursor follows the track, not the numeric position).
type Queue struct {
	mu           sync.RWMutex
	tracks       []player.Track
	currentIndex int // -1 if nothing current
	repeat       RepeatMode
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{currentIndex: -1}
}

// SetQueue replaces the queue contents and positions the cursor.
// An out-of-range startIndex clamps into the new queue.
func (q *Queue) SetQueue(tracks []player.Track, startIndex int) *player.Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tracks = append([]player.Track(nil), tracks...)
	if len(q.tracks) == 0 {
		q.currentIndex = -1
		return nil
	}
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(q.tracks) {
		startIndex = len(q.tracks) - 1
	}
	q.currentIndex = startIndex
	return q.currentLocked()
}

// Enqueue appends a track to the end of the queue.
func (q *Queue) Enqueue(track player.Track) {
	q.mu.Lock()
	q.tracks = append(q.tracks, track)
	q.mu.Unlock()
}

// PlayNext inserts a track immediately after the current one. With no
// current track the insert degrades to an append.
func (q *Queue) PlayNext(track player.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIndex < 0 || q.currentIndex >= len(q.tracks)-1 {
		q.tracks = append(q.tracks, track)
		return
	}
	at := q.currentIndex + 1
	q.tracks = append(q.tracks[:at], append([]player.Track{track}, q.tracks[at:]...)...)
}

// RemoveResult reports what RemoveAt did to the cursor.
type RemoveResult struct {
	Removed bool

	// RemovedCurrent is true when the removed entry was the current one.
	// The engine must then stop or advance instead of keeping a stale
	// notion of "current".
	RemovedCurrent bool

	// Next is the track now under the cursor, nil when the queue emptied
	// or the cursor fell off the end.
	Next *player.Track
}

// RemoveAt removes the entry at the given index.
func (q *Queue) RemoveAt(index int) RemoveResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.tracks) {
		return RemoveResult{}
	}

	wasCurrent := index == q.currentIndex
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)

	if q.currentIndex > index {
		q.currentIndex--
	} else if wasCurrent {
		// The cursor now points at the entry that followed the removed one;
		// clamp when the removal happened at the tail.
		if q.currentIndex >= len(q.tracks) {
			q.currentIndex = len(q.tracks) - 1
		}
	}

	return RemoveResult{
		Removed:        true,
		RemovedCurrent: wasCurrent,
		Next:           q.currentLocked(),
	}
}

// Reorder moves the entry at from to position to. The current track stays
// current regardless of how entries move around it.
func (q *Queue) Reorder(from, to int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if from < 0 || from >= len(q.tracks) || to < 0 || to >= len(q.tracks) || from == to {
		return false
	}

	moved := q.tracks[from]
	q.tracks = append(q.tracks[:from], q.tracks[from+1:]...)
	q.tracks = append(q.tracks[:to], append([]player.Track{moved}, q.tracks[to:]...)...)

	switch {
	case q.currentIndex == from:
		q.currentIndex = to
	case from < q.currentIndex && to >= q.currentIndex:
		q.currentIndex--
	case from > q.currentIndex && to <= q.currentIndex:
		q.currentIndex++
	}
	return true
}

// Clear removes all tracks and resets the cursor.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tracks = nil
	q.currentIndex = -1
	q.mu.Unlock()
}

// Advance moves the cursor forward and returns the new current track.
// At the last index it returns nil and leaves the cursor unchanged (no
// wraparound) unless repeat-all is enabled; repeat-one replays the current
// track without moving.
func (q *Queue) Advance() *player.Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIndex < 0 || len(q.tracks) == 0 {
		return nil
	}
	switch q.repeat {
	case RepeatOne:
		return q.currentLocked()
	case RepeatAll:
		q.currentIndex = (q.currentIndex + 1) % len(q.tracks)
		return q.currentLocked()
	default:
		if q.currentIndex >= len(q.tracks)-1 {
			return nil
		}
		q.currentIndex++
		return q.currentLocked()
	}
}

// Retreat moves the cursor backward and returns the new current track.
// Before the first index it returns nil (repeat-all wraps to the end).
func (q *Queue) Retreat() *player.Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIndex < 0 || len(q.tracks) == 0 {
		return nil
	}
	switch q.repeat {
	case RepeatOne:
		return q.currentLocked()
	case RepeatAll:
		q.currentIndex = (q.currentIndex - 1 + len(q.tracks)) % len(q.tracks)
		return q.currentLocked()
	default:
		if q.currentIndex == 0 {
			return nil
		}
		q.currentIndex--
		return q.currentLocked()
	}
}

// PeekNext returns the track that Advance would land on without moving the
// cursor. The crossfade controller uses this for pre-fetch.
func (q *Queue) PeekNext() *player.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.currentIndex < 0 || len(q.tracks) == 0 {
		return nil
	}
	switch q.repeat {
	case RepeatOne:
		return q.currentLocked()
	case RepeatAll:
		track := q.tracks[(q.currentIndex+1)%len(q.tracks)]
		return &track
	default:
		if q.currentIndex >= len(q.tracks)-1 {
			return nil
		}
		track := q.tracks[q.currentIndex+1]
		return &track
	}
}

// JumpTo moves the cursor to an explicit index.
func (q *Queue) JumpTo(index int) *player.Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.tracks) {
		return nil
	}
	q.currentIndex = index
	return q.currentLocked()
}

// Current returns the current track, or nil if none.
func (q *Queue) Current() *player.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.currentLocked()
}

// CurrentIndex returns the cursor position (-1 if none).
func (q *Queue) CurrentIndex() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.currentIndex
}

// Tracks returns a copy of the queue contents.
func (q *Queue) Tracks() []player.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]player.Track(nil), q.tracks...)
}

// Len returns the number of tracks in the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tracks)
}

// IsEmpty returns true if the queue has no tracks.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// SetRepeatMode sets the repeat behavior.
func (q *Queue) SetRepeatMode(mode RepeatMode) {
	q.mu.Lock()
	q.repeat = mode
	q.mu.Unlock()
}

// RepeatMode returns the repeat behavior.
func (q *Queue) RepeatMode() RepeatMode {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.repeat
}

func (q *Queue) currentLocked() *player.Track {
	if q.currentIndex < 0 || q.currentIndex >= len(q.tracks) {
		return nil
	}
	track := q.tracks[q.currentIndex]
	return &track
}
