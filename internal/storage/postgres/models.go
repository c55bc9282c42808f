package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/maigret-mcp/internal/storage"
)

// CallModel maps to the "tool_calls" table.
type CallModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tool       string    `gorm:"not null;index"`
	Subject    string
	Format     string
	ReportPath string
	Status     string `gorm:"not null;index"`
	Error      string
	ExitCode   int
	DurationMs int64
	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt time.Time
	CreatedAt  time.Time
}

func (CallModel) TableName() string { return "tool_calls" }

// AutoMigrate creates or updates the history tables. Shared with the SQLite backend.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CallModel{})
}

// InsertCall stores rec, assigning an ID when it has none.
func InsertCall(db *gorm.DB, rec *storage.CallRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m := toCallModel(rec)
	return db.Create(&m).Error
}

// RecentCalls returns up to limit calls ordered newest first.
func RecentCalls(db *gorm.DB, limit int) ([]storage.CallRecord, error) {
	var models []CallModel
	err := db.Order("started_at DESC").
		Limit(storage.NormalizeLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.CallRecord, 0, len(models))
	for i := range models {
		out = append(out, toCallRecord(&models[i]))
	}
	return out, nil
}

func toCallModel(rec *storage.CallRecord) CallModel {
	return CallModel{
		ID:         rec.ID,
		Tool:       rec.Tool,
		Subject:    rec.Subject,
		Format:     rec.Format,
		ReportPath: rec.ReportPath,
		Status:     rec.Status,
		Error:      rec.Error,
		ExitCode:   rec.ExitCode,
		DurationMs: rec.DurationMs,
		StartedAt:  rec.StartedAt.UTC(),
		FinishedAt: rec.FinishedAt.UTC(),
	}
}

func toCallRecord(m *CallModel) storage.CallRecord {
	return storage.CallRecord{
		ID:         m.ID,
		Tool:       m.Tool,
		Subject:    m.Subject,
		Format:     m.Format,
		ReportPath: m.ReportPath,
		Status:     m.Status,
		Error:      m.Error,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}
