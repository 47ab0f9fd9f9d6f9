package player

import (
	"strconv"
	"strings"
	"time"
)

// Track identifies a playable unit. The ID is an opaque identifier that is
// stable across upstream sources; callers may build Track values from search
// results, history entries, or offline records, and the core only relies on
// the fields below.
type Track struct {
	ID        string
	Title     string
	Artist    string
	Thumbnail string
	Duration  int // seconds
	IsVideo   bool
}

// ParseDuration normalizes a duration value to seconds. Upstream payloads
// deliver durations either as plain seconds ("215") or as formatted clock
// strings ("3:35", "1:03:35"). Returns 0 for anything unparseable.
func ParseDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.Contains(raw, ":") {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			return secs
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 {
			return int(f)
		}
		return 0
	}

	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// ResolvedSource is the result of resolving a Track to a playable URL.
// It is recomputed per playback attempt and never persisted; many upstream
// URLs are time-limited signed URLs, so ExpiresAt is advisory at best.
type ResolvedSource struct {
	URL       string
	MimeType  string
	Quality   string
	Source    string // name of the candidate that produced the URL
	Offline   bool
	ExpiresAt *time.Time
}

// Expired reports whether the source is known to be past its expiry.
// Sources without expiry information are never considered expired.
func (s *ResolvedSource) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// OfflineEntry describes a downloaded track stored in the offline cache.
// The audio payload itself lives in the blob store keyed by TrackID.
type OfflineEntry struct {
	ID           uint
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TrackID      string
	Title        string
	Artist       string
	Thumbnail    string
	Duration     int
	SizeBytes    int64
	DownloadedAt time.Time
}

// PlayEvent is a durable record of playback and queue activity.
type PlayEvent struct {
	ID        uint
	CreatedAt time.Time
	Kind      string // "play", "enqueue", "queue-set", "queue-clear", "download"
	TrackID   string
	Title     string
	Artist    string
	Source    string
	Duration  int
}

// Play event kinds written by the queue and engine.
const (
	EventPlay       = "play"
	EventEnqueue    = "enqueue"
	EventQueueSet   = "queue-set"
	EventQueueClear = "queue-clear"
	EventDownload   = "download"
)

// InstanceTestResult is the outcome of the most recent health check or
// resolution attempt against a proxy instance.
type InstanceTestResult struct {
	Success   bool
	LatencyMs int64
	Error     string
	TestedAt  time.Time
}

// InstanceRecord describes a known proxy instance. Records are mutated by
// health checks and resolution outcomes alike; writes are last-write-wins
// per instance.
type InstanceRecord struct {
	URL         string
	Name        string
	Region      string
	IsPreferred bool
	LastResult  *InstanceTestResult
}
