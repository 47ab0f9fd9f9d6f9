package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vibetune/OpenTune-Go/player"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Repository provides access to the playback database. It backs the history
// sink, the offline metadata store, and instance record persistence.
type Repository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository backed by SQLite.
func NewSQLiteRepository(dsn string, gormLogger logger.Interface) (*Repository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn required")
	}

	if gormLogger == nil {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	dbDir := filepath.Dir(dsn)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 gormLogger,
	})
	if err != nil {
		return nil, err
	}

	if err := applySQLitePragmas(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PlayEventModel{}, &OfflineEntryModel{}, &InstanceModel{}); err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Repository{db: db}, nil
}

// ConfigurePool updates the database connection pool settings.
func (r *Repository) ConfigurePool(maxOpen, maxIdle int, maxLifetime time.Duration) error {
	if r == nil || r.db == nil {
		return errors.New("repository not configured")
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if maxOpen >= 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime >= 0 {
		sqlDB.SetConnMaxLifetime(maxLifetime)
	}
	return nil
}

// RecordEvent appends a play event to the history sink.
func (r *Repository) RecordEvent(ctx context.Context, event *player.PlayEvent) error {
	if event == nil {
		return errors.New("event required")
	}
	model := PlayEventModel{
		Kind:     event.Kind,
		TrackID:  event.TrackID,
		Title:    event.Title,
		Artist:   event.Artist,
		Source:   event.Source,
		Duration: event.Duration,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	event.ID = model.ID
	event.CreatedAt = model.CreatedAt
	return nil
}

// RecentEvents returns the newest events, most recent first.
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]player.PlayEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []PlayEventModel
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	events := make([]player.PlayEvent, 0, len(models))
	for _, model := range models {
		events = append(events, eventToInternal(model))
	}
	return events, nil
}

// PruneEventsBefore keeps only the newest `keep` events.
func (r *Repository) PruneEventsBefore(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	var cutoff PlayEventModel
	err := r.db.WithContext(ctx).Order("id DESC").Offset(keep - 1).First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Unscoped().
		Where("id < ?", cutoff.ID).
		Delete(&PlayEventModel{}).Error
}

// CountEvents returns the total number of history events.
func (r *Repository) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&PlayEventModel{}).Count(&count).Error
	return count, err
}

// FindOfflineEntry returns offline metadata for a track id, or nil when absent.
func (r *Repository) FindOfflineEntry(ctx context.Context, trackID string) (*player.OfflineEntry, error) {
	var model OfflineEntryModel
	err := r.db.WithContext(ctx).Where("track_id = ?", trackID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return offlineToInternal(model), nil
}

// CreateOfflineEntry writes offline metadata for a downloaded track.
func (r *Repository) CreateOfflineEntry(ctx context.Context, entry *player.OfflineEntry) error {
	if entry == nil || entry.TrackID == "" {
		return errors.New("offline entry with track id required")
	}
	model := offlineToModel(entry)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "track_id"}},
		UpdateAll: true,
	}).Create(model).Error
	if err != nil {
		return err
	}
	entry.ID = model.ID
	return nil
}

// DeleteOfflineEntry removes offline metadata for a track id.
func (r *Repository) DeleteOfflineEntry(ctx context.Context, trackID string) error {
	return r.db.WithContext(ctx).Unscoped().
		Where("track_id = ?", trackID).
		Delete(&OfflineEntryModel{}).Error
}

// ListOfflineEntries returns all offline metadata, newest download first.
func (r *Repository) ListOfflineEntries(ctx context.Context) ([]player.OfflineEntry, error) {
	var models []OfflineEntryModel
	err := r.db.WithContext(ctx).Order("downloaded_at DESC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	entries := make([]player.OfflineEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, *offlineToInternal(model))
	}
	return entries, nil
}

// ClearOfflineEntries removes all offline metadata.
func (r *Repository) ClearOfflineEntries(ctx context.Context) error {
	return r.db.WithContext(ctx).Unscoped().
		Where("1 = 1").
		Delete(&OfflineEntryModel{}).Error
}

// OfflineTotalSize sums the stored payload sizes in bytes.
func (r *Repository) OfflineTotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&OfflineEntryModel{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	return total, err
}

// UpsertInstance writes an instance record, last-write-wins per URL.
func (r *Repository) UpsertInstance(ctx context.Context, record *player.InstanceRecord) error {
	if record == nil || record.URL == "" {
		return errors.New("instance record with url required")
	}
	model := InstanceModel{
		URL:         record.URL,
		Name:        record.Name,
		Region:      record.Region,
		IsPreferred: record.IsPreferred,
	}
	if record.LastResult != nil {
		model.LastSuccess = record.LastResult.Success
		model.LastLatency = record.LastResult.LatencyMs
		model.LastError = record.LastResult.Error
		model.LastTested = record.LastResult.TestedAt
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// ListInstances returns all persisted instance records.
func (r *Repository) ListInstances(ctx context.Context) ([]player.InstanceRecord, error) {
	var models []InstanceModel
	err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	records := make([]player.InstanceRecord, 0, len(models))
	for _, model := range models {
		records = append(records, instanceToInternal(model))
	}
	return records, nil
}

// DeleteInstance removes a persisted instance record.
func (r *Repository) DeleteInstance(ctx context.Context, url string) error {
	return r.db.WithContext(ctx).Unscoped().
		Where("url = ?", url).
		Delete(&InstanceModel{}).Error
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applySQLitePragmas(db *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-64000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}
