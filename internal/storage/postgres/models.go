package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Language    string    `gorm:"not null;size:32"`
	CodeSHA256  string    `gorm:"column:code_sha256;not null;size:64;index"`
	CodeBytes   int       `gorm:"not null"`
	Success     bool      `gorm:"not null;default:false"`
	Kind        string    `gorm:"not null;size:32;index"`
	Error       string    `gorm:"size:1024"`
	OutputBytes int       `gorm:"not null;default:0"`
	DurationMS  int64     `gorm:"column:duration_ms;not null;default:0"`
	Source      string    `gorm:"not null;size:16;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (ExecutionModel) TableName() string { return "executions" }
