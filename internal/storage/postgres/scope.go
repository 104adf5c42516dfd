package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/galaxy/internal/storage"
)

// FilterScope returns a GORM scope applying the non-zero fields of a
// list filter.
func FilterScope(f storage.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Source != "" {
			db = db.Where("source = ?", string(f.Source))
		}
		if f.Kind != "" {
			db = db.Where("kind = ?", f.Kind)
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since.UTC())
		}
		return db
	}
}
