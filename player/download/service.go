// Package download runs background downloads into the offline store. Each
// download is a tracked task executed on the shared worker pool, so the
// number of concurrent payload fetches is bounded.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vibetune/OpenTune-Go/player"
	"github.com/vibetune/OpenTune-Go/player/offline"
	"github.com/vibetune/OpenTune-Go/player/resolver"
)

// Status is a download task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is the externally visible download record.
type Task struct {
	ID         string
	Track      player.Track
	Status     Status
	Error      string
	SizeBytes  int64
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrAlreadyOffline is returned when the track is already in the offline store.
var ErrAlreadyOffline = errors.New("download: track already offline")

// ErrAlreadyQueued is returned when an active task for the track exists.
var ErrAlreadyQueued = errors.New("download: track already queued")

// Options tunes download behavior.
type Options struct {
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int

	// Timeout bounds a single payload fetch.
	Timeout time.Duration

	// MaxPayloadBytes rejects payloads above this size; zero means 256 MiB.
	MaxPayloadBytes int64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 256 << 20
	}
	return opts
}

type taskState struct {
	task   Task
	cancel context.CancelFunc
}

// Service schedules and tracks downloads.
type Service struct {
	lifecycle context.Context
	pool      player.WorkerPool
	resolver  *resolver.Resolver
	store     *offline.Store
	history   player.HistoryRepository
	client    *retryablehttp.Client
	logger    player.Logger
	opts      Options

	mu    sync.Mutex
	tasks map[string]*taskState
	order []string
}

// NewService creates a download service over the shared pool.
func NewService(lifecycle context.Context, pool player.WorkerPool, res *resolver.Resolver, store *offline.Store, history player.HistoryRepository, logger player.Logger, opts Options) *Service {
	normalized := opts.withDefaults()

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: normalized.Timeout}
	client.RetryMax = normalized.MaxRetries
	client.Logger = nil

	return &Service{
		lifecycle: lifecycle,
		pool:      pool,
		resolver:  res,
		store:     store,
		history:   history,
		client:    client,
		logger:    logger,
		opts:      normalized,
		tasks:     make(map[string]*taskState),
	}
}

// Enqueue schedules a download for the track. Tracks already offline or
// already being downloaded are rejected.
func (s *Service) Enqueue(ctx context.Context, track player.Track) (*Task, error) {
	if track.ID == "" {
		return nil, errors.New("download: track id required")
	}
	if s.store.Has(ctx, track.ID) {
		return nil, ErrAlreadyOffline
	}

	s.mu.Lock()
	for _, id := range s.order {
		state := s.tasks[id]
		if state.task.Track.ID == track.ID && isActive(state.task.Status) {
			s.mu.Unlock()
			return nil, ErrAlreadyQueued
		}
	}

	taskCtx, cancel := context.WithCancel(s.lifecycle)
	state := &taskState{
		task: Task{
			ID:        uuid.NewString(),
			Track:     track,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}
	s.tasks[state.task.ID] = state
	s.order = append(s.order, state.task.ID)
	snapshot := state.task
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.run(taskCtx, state.task.ID) }); err != nil {
		cancel()
		s.finish(state.task.ID, StatusFailed, 0, err)
		return nil, fmt.Errorf("download: submit task: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("download queued", "task", snapshot.ID, "track", track.ID, "title", track.Title)
	}
	return &snapshot, nil
}

func isActive(status Status) bool {
	return status == StatusPending || status == StatusRunning
}

func (s *Service) run(ctx context.Context, taskID string) {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok || state.task.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	state.task.Status = StatusRunning
	state.task.StartedAt = time.Now()
	track := state.task.Track
	s.mu.Unlock()

	data, err := s.fetch(ctx, track)
	if err != nil {
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCancelled
		}
		s.finish(taskID, status, 0, err)
		return
	}

	entry, err := s.store.Put(ctx, track, data)
	if err != nil {
		s.finish(taskID, StatusFailed, 0, err)
		return
	}
	s.finish(taskID, StatusCompleted, entry.SizeBytes, nil)

	if s.history != nil {
		event := &player.PlayEvent{
			Kind:     player.EventDownload,
			TrackID:  track.ID,
			Title:    track.Title,
			Artist:   track.Artist,
			Duration: track.Duration,
		}
		if err := s.history.RecordEvent(ctx, event); err != nil && s.logger != nil {
			s.logger.Warn("record download event failed", "track", track.ID, "error", err)
		}
	}
}

// fetch resolves the track and pulls the full payload. Resolution failures
// retry with a geometric backoff on top of the HTTP client's own retries.
func (s *Service) fetch(ctx context.Context, track player.Track) ([]byte, error) {
	policy := resolver.RetryPolicy{
		MaxAttempts: s.opts.MaxRetries + 1,
		Backoff:     resolver.GeometricBackoff(time.Second),
	}

	var data []byte
	err := policy.Do(ctx, func() error {
		source, err := s.resolver.Resolve(ctx, &track)
		if err != nil {
			return err
		}
		payload, err := s.fetchPayload(ctx, source.URL)
		if err != nil {
			// The resolved URL may have gone stale between resolution and
			// fetch; the next attempt resolves afresh.
			s.resolver.Invalidate(track.ID)
			return err
		}
		data = payload
		return nil
	})
	return data, err
}

func (s *Service) fetchPayload(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch payload: status %d", resp.StatusCode)
	}
	if resp.ContentLength > s.opts.MaxPayloadBytes {
		return nil, fmt.Errorf("payload too large: %d bytes", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > s.opts.MaxPayloadBytes {
		return nil, fmt.Errorf("payload too large: over %d bytes", s.opts.MaxPayloadBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	return data, nil
}

func (s *Service) finish(taskID string, status Status, size int64, cause error) {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.task.Status = status
	state.task.FinishedAt = time.Now()
	state.task.SizeBytes = size
	if cause != nil {
		state.task.Error = cause.Error()
	}
	state.cancel()
	snapshot := state.task
	s.mu.Unlock()

	if s.logger == nil {
		return
	}
	switch status {
	case StatusCompleted:
		s.logger.Info("download completed", "task", taskID, "track", snapshot.Track.ID, "size", size)
	case StatusCancelled:
		s.logger.Info("download cancelled", "task", taskID, "track", snapshot.Track.ID)
	default:
		s.logger.Warn("download failed", "task", taskID, "track", snapshot.Track.ID, "error", snapshot.Error)
	}
}

// Cancel aborts a pending or running task.
func (s *Service) Cancel(taskID string) bool {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok || !isActive(state.task.Status) {
		s.mu.Unlock()
		return false
	}
	if state.task.Status == StatusPending {
		state.task.Status = StatusCancelled
		state.task.FinishedAt = time.Now()
	}
	cancel := state.cancel
	s.mu.Unlock()

	cancel()
	return true
}

// Get returns a task snapshot by id.
func (s *Service) Get(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	snapshot := state.task
	return &snapshot, true
}

// List returns all tasks in creation order.
func (s *Service) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id].task)
	}
	return tasks
}

// ClearFinished drops completed, failed, and cancelled tasks from the list.
func (s *Service) ClearFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if isActive(s.tasks[id].task.Status) {
			kept = append(kept, id)
			continue
		}
		delete(s.tasks, id)
		removed++
	}
	s.order = kept
	return removed
}
