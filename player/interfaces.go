package player

import "context"

// Logger is the minimal logging abstraction used across modules.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Config provides typed access to configuration values.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetFloat64(key string) float64
	GetBool(key string) bool
	GetStringSlice(key string) []string
}

// WorkerPool limits concurrency for background tasks.
type WorkerPool interface {
	Submit(task func()) error
	SubmitWait(task func() error) error
	Shutdown(ctx context.Context) error
	Size() int
}

// HistoryRepository is the durable sink for play events and queue mutations.
type HistoryRepository interface {
	RecordEvent(ctx context.Context, event *PlayEvent) error
	RecentEvents(ctx context.Context, limit int) ([]PlayEvent, error)
	PruneEventsBefore(ctx context.Context, keep int) error
	CountEvents(ctx context.Context) (int64, error)
}

// OfflineRepository stores offline entry metadata. The binary payload lives
// in a BlobStore; the Store in player/offline keeps the two halves consistent.
type OfflineRepository interface {
	FindOfflineEntry(ctx context.Context, trackID string) (*OfflineEntry, error)
	CreateOfflineEntry(ctx context.Context, entry *OfflineEntry) error
	DeleteOfflineEntry(ctx context.Context, trackID string) error
	ListOfflineEntries(ctx context.Context) ([]OfflineEntry, error)
	ClearOfflineEntries(ctx context.Context) error
	OfflineTotalSize(ctx context.Context) (int64, error)
}

// InstanceRepository persists proxy instance records so health history and
// the preferred selection survive restarts.
type InstanceRepository interface {
	UpsertInstance(ctx context.Context, record *InstanceRecord) error
	ListInstances(ctx context.Context) ([]InstanceRecord, error)
	DeleteInstance(ctx context.Context, url string) error
}

// BlobStore is a key-value binary cache. Keys are track ids.
type BlobStore interface {
	Put(key string, data []byte) error
	Match(key string) ([]byte, error)
	Delete(key string) error
	Clear() error
}
