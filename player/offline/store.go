// Package offline implements the content-addressable local store of
// downloaded tracks. Metadata lives in the repository, payloads in a blob
// store; both halves are keyed by track id and kept consistent together.
package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
)

// PathResolver is implemented by blob stores that can hand out a direct
// filesystem path for a stored payload.
type PathResolver interface {
	Path(key string) (string, bool)
}

// Store pairs offline metadata with the binary payload cache. A metadata
// record without a corresponding blob is an invariant violation, so Put
// writes the blob first and rolls it back when the metadata write fails,
// and Remove/Clear always delete both halves.
type Store struct {
	blobs  player.BlobStore
	repo   player.OfflineRepository
	logger player.Logger
}

// NewStore creates an offline store over the given blob and metadata ports.
func NewStore(blobs player.BlobStore, repo player.OfflineRepository, logger player.Logger) *Store {
	return &Store{blobs: blobs, repo: repo, logger: logger}
}

// Has reports whether a complete offline entry exists for the track.
func (s *Store) Has(ctx context.Context, trackID string) bool {
	entry, err := s.repo.FindOfflineEntry(ctx, trackID)
	return err == nil && entry != nil
}

// Get returns the offline metadata for a track, or nil when absent.
func (s *Store) Get(ctx context.Context, trackID string) (*player.OfflineEntry, error) {
	return s.repo.FindOfflineEntry(ctx, trackID)
}

// Put stores a downloaded payload and its metadata. Blob first, metadata
// second; a failed metadata write deletes the blob again so neither half
// exists without the other.
func (s *Store) Put(ctx context.Context, track player.Track, data []byte) (*player.OfflineEntry, error) {
	if track.ID == "" {
		return nil, errors.New("offline: track id required")
	}
	if len(data) == 0 {
		return nil, errors.New("offline: empty payload")
	}

	if err := s.blobs.Put(track.ID, data); err != nil {
		return nil, fmt.Errorf("offline: write blob: %w", err)
	}

	entry := &player.OfflineEntry{
		TrackID:      track.ID,
		Title:        track.Title,
		Artist:       track.Artist,
		Thumbnail:    track.Thumbnail,
		Duration:     track.Duration,
		SizeBytes:    int64(len(data)),
		DownloadedAt: time.Now(),
	}
	if err := s.repo.CreateOfflineEntry(ctx, entry); err != nil {
		if delErr := s.blobs.Delete(track.ID); delErr != nil && s.logger != nil {
			s.logger.Error("rollback blob after metadata failure", "track", track.ID, "error", delErr)
		}
		return nil, fmt.Errorf("offline: write metadata: %w", err)
	}
	return entry, nil
}

// Remove deletes both the metadata record and the payload.
func (s *Store) Remove(ctx context.Context, trackID string) error {
	metaErr := s.repo.DeleteOfflineEntry(ctx, trackID)
	blobErr := s.blobs.Delete(trackID)
	return errors.Join(metaErr, blobErr)
}

// Clear deletes every offline entry and payload.
func (s *Store) Clear(ctx context.Context) error {
	metaErr := s.repo.ClearOfflineEntries(ctx)
	blobErr := s.blobs.Clear()
	return errors.Join(metaErr, blobErr)
}

// List returns all offline entries, newest download first.
func (s *Store) List(ctx context.Context) ([]player.OfflineEntry, error) {
	return s.repo.ListOfflineEntries(ctx)
}

// TotalSizeBytes sums the stored payload sizes.
func (s *Store) TotalSizeBytes(ctx context.Context) (int64, error) {
	return s.repo.OfflineTotalSize(ctx)
}

// ResolveOffline satisfies the resolver's offline source: a stored track
// resolves to its local payload without a network request.
func (s *Store) ResolveOffline(ctx context.Context, trackID string) (*player.ResolvedSource, bool) {
	entry, err := s.repo.FindOfflineEntry(ctx, trackID)
	if err != nil || entry == nil {
		return nil, false
	}

	url := "offline://" + trackID
	if pather, ok := s.blobs.(PathResolver); ok {
		path, found := pather.Path(trackID)
		if !found {
			// Metadata without a blob: the invariant is broken, likely a
			// crash between halves. Treat as a miss so resolution falls
			// through to the network.
			if s.logger != nil {
				s.logger.Warn("offline entry missing blob", "track", trackID)
			}
			return nil, false
		}
		url = "file://" + path
	}

	return &player.ResolvedSource{
		URL:      url,
		MimeType: "audio/mpeg",
		Quality:  "offline",
		Source:   "offline",
		Offline:  true,
	}, true
}
