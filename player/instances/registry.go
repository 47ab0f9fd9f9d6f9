package instances

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
)

// Registry tracks known proxy instances, their health history, and the
// user's preferred/auto-fallback policy. It supplies the resolver with an
// ordered candidate list.
//
// Writes are last-write-wins per instance; no cross-instance consistency
// is attempted.
type Registry struct {
	mu           sync.RWMutex
	records      []*player.InstanceRecord // registration order preserved
	byURL        map[string]*player.InstanceRecord
	preferred    string
	autoFallback bool

	repo   player.InstanceRepository // optional write-through persistence
	logger player.Logger
}

// NewRegistry creates an empty registry with auto-fallback enabled.
func NewRegistry(repo player.InstanceRepository, logger player.Logger) *Registry {
	return &Registry{
		byURL:        make(map[string]*player.InstanceRecord),
		autoFallback: true,
		repo:         repo,
		logger:       logger,
	}
}

// Add registers an instance. Re-adding a known URL updates name and region
// but keeps the existing health history.
func (r *Registry) Add(record player.InstanceRecord) {
	url := normalizeURL(record.URL)
	if url == "" {
		return
	}
	record.URL = url

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byURL[url]; ok {
		existing.Name = record.Name
		existing.Region = record.Region
		return
	}

	copy := record
	r.records = append(r.records, &copy)
	r.byURL[url] = &copy
	if copy.IsPreferred && r.preferred == "" {
		r.preferred = url
	}
}

// LoadPersisted merges persisted records into the registry. Known URLs get
// their stored health history and preferred flag back; unknown URLs are
// added at the end of the original order.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	stored, err := r.repo.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range stored {
		url := normalizeURL(record.URL)
		if existing, ok := r.byURL[url]; ok {
			existing.LastResult = record.LastResult
			existing.IsPreferred = record.IsPreferred
			if record.IsPreferred {
				r.preferred = url
			}
			continue
		}
		copy := record
		copy.URL = url
		r.records = append(r.records, &copy)
		r.byURL[url] = &copy
		if copy.IsPreferred {
			r.preferred = url
		}
	}
	return nil
}

// GetOrderedInstances returns the candidate list in resolution order:
// the preferred instance always first, the rest by most recent success,
// then lowest latency, then original registration order.
//
// With auto-fallback disabled only the preferred instance is returned
// (empty list when none is set), so resolution fails fast instead of
// trying the whole pool.
func (r *Registry) GetOrderedInstances() []player.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.autoFallback {
		if r.preferred == "" {
			return nil
		}
		if record, ok := r.byURL[r.preferred]; ok {
			return []player.InstanceRecord{*record}
		}
		return nil
	}

	ordered := make([]player.InstanceRecord, 0, len(r.records))
	originalIndex := make(map[string]int, len(r.records))
	for i, record := range r.records {
		if record.URL == r.preferred {
			continue
		}
		ordered = append(ordered, *record)
		originalIndex[record.URL] = i
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := successTime(&ordered[i]), successTime(&ordered[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		la, lb := knownLatency(&ordered[i]), knownLatency(&ordered[j])
		if la != lb {
			return la < lb
		}
		return originalIndex[ordered[i].URL] < originalIndex[ordered[j].URL]
	})

	if record, ok := r.byURL[r.preferred]; ok {
		ordered = append([]player.InstanceRecord{*record}, ordered...)
	}
	return ordered
}

// RecordResult updates an instance's health state after a health check or a
// resolution attempt and writes it through to persistence when configured.
func (r *Registry) RecordResult(ctx context.Context, url string, result player.InstanceTestResult) {
	url = normalizeURL(url)
	if result.TestedAt.IsZero() {
		result.TestedAt = time.Now()
	}

	r.mu.Lock()
	record, ok := r.byURL[url]
	if !ok {
		r.mu.Unlock()
		return
	}
	record.LastResult = &result
	snapshot := *record
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.UpsertInstance(ctx, &snapshot); err != nil && r.logger != nil {
			r.logger.Warn("persist instance record failed", "instance", url, "error", err)
		}
	}
}

// SetPreferred marks an instance as preferred. An empty URL clears the
// selection. Returns an error for unknown URLs.
func (r *Registry) SetPreferred(ctx context.Context, url string) error {
	url = normalizeURL(url)

	r.mu.Lock()
	if url != "" {
		if _, ok := r.byURL[url]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("unknown instance: %s", url)
		}
	}
	var changed []player.InstanceRecord
	for _, record := range r.records {
		preferred := record.URL == url
		if record.IsPreferred != preferred {
			record.IsPreferred = preferred
			changed = append(changed, *record)
		}
	}
	r.preferred = url
	r.mu.Unlock()

	if r.repo != nil {
		for i := range changed {
			if err := r.repo.UpsertInstance(ctx, &changed[i]); err != nil && r.logger != nil {
				r.logger.Warn("persist preferred flag failed", "instance", changed[i].URL, "error", err)
			}
		}
	}
	return nil
}

// Preferred returns the preferred instance URL, or empty when none is set.
func (r *Registry) Preferred() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preferred
}

// SetAutoFallback toggles pool fallback. Disabling it trades resilience for
// determinism: resolution only ever touches the preferred instance.
func (r *Registry) SetAutoFallback(enabled bool) {
	r.mu.Lock()
	r.autoFallback = enabled
	r.mu.Unlock()
}

// AutoFallback reports whether pool fallback is enabled.
func (r *Registry) AutoFallback() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autoFallback
}

// All returns every known instance in registration order.
func (r *Registry) All() []player.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]player.InstanceRecord, 0, len(r.records))
	for _, record := range r.records {
		all = append(all, *record)
	}
	return all
}

// Len returns the number of known instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func successTime(record *player.InstanceRecord) time.Time {
	if record.LastResult == nil || !record.LastResult.Success {
		return time.Time{}
	}
	return record.LastResult.TestedAt
}

func knownLatency(record *player.InstanceRecord) int64 {
	if record.LastResult == nil || !record.LastResult.Success {
		return math.MaxInt64
	}
	return record.LastResult.LatencyMs
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
