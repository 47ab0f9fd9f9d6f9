package db

import (
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	"gorm.io/gorm"
)

// PlayEventModel mirrors the play_events schema. It is the durable record
// of playback and queue activity.
type PlayEventModel struct {
	gorm.Model
	Kind     string `gorm:"not null;index"`
	TrackID  string `gorm:"not null;default:'';index"`
	Title    string
	Artist   string
	Source   string
	Duration int
}

func (PlayEventModel) TableName() string {
	return "play_events"
}

// OfflineEntryModel mirrors the offline_entries schema. The audio payload
// lives in the blob store under the same track id.
type OfflineEntryModel struct {
	gorm.Model
	TrackID      string `gorm:"uniqueIndex;not null"`
	Title        string
	Artist       string
	Thumbnail    string
	Duration     int
	SizeBytes    int64
	DownloadedAt time.Time
}

func (OfflineEntryModel) TableName() string {
	return "offline_entries"
}

// InstanceModel mirrors the instances schema. Health history and the
// preferred selection survive restarts through this table.
type InstanceModel struct {
	gorm.Model
	URL         string `gorm:"uniqueIndex;not null"`
	Name        string
	Region      string
	IsPreferred bool   `gorm:"not null;default:false"`
	LastSuccess bool   `gorm:"not null;default:false"`
	LastLatency int64  // milliseconds
	LastError   string
	LastTested  time.Time
}

func (InstanceModel) TableName() string {
	return "instances"
}

func offlineToInternal(model OfflineEntryModel) *player.OfflineEntry {
	return &player.OfflineEntry{
		ID:           model.ID,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
		TrackID:      model.TrackID,
		Title:        model.Title,
		Artist:       model.Artist,
		Thumbnail:    model.Thumbnail,
		Duration:     model.Duration,
		SizeBytes:    model.SizeBytes,
		DownloadedAt: model.DownloadedAt,
	}
}

func offlineToModel(entry *player.OfflineEntry) *OfflineEntryModel {
	if entry == nil {
		return &OfflineEntryModel{}
	}

	model := &OfflineEntryModel{
		TrackID:      entry.TrackID,
		Title:        entry.Title,
		Artist:       entry.Artist,
		Thumbnail:    entry.Thumbnail,
		Duration:     entry.Duration,
		SizeBytes:    entry.SizeBytes,
		DownloadedAt: entry.DownloadedAt,
	}

	if entry.ID != 0 {
		model.ID = entry.ID
	}
	if !entry.CreatedAt.IsZero() {
		model.CreatedAt = entry.CreatedAt
	}
	if !entry.UpdatedAt.IsZero() {
		model.UpdatedAt = entry.UpdatedAt
	}

	return model
}

func eventToInternal(model PlayEventModel) player.PlayEvent {
	return player.PlayEvent{
		ID:        model.ID,
		CreatedAt: model.CreatedAt,
		Kind:      model.Kind,
		TrackID:   model.TrackID,
		Title:     model.Title,
		Artist:    model.Artist,
		Source:    model.Source,
		Duration:  model.Duration,
	}
}

func instanceToInternal(model InstanceModel) player.InstanceRecord {
	record := player.InstanceRecord{
		URL:         model.URL,
		Name:        model.Name,
		Region:      model.Region,
		IsPreferred: model.IsPreferred,
	}
	if !model.LastTested.IsZero() {
		record.LastResult = &player.InstanceTestResult{
			Success:   model.LastSuccess,
			LatencyMs: model.LastLatency,
			Error:     model.LastError,
			TestedAt:  model.LastTested,
		}
	}
	return record
}
