package postgres

import (
	"github.com/jkaninda/galaxy/internal/storage"
)

func toExecutionModel(r *storage.ExecutionRecord) ExecutionModel {
	return ExecutionModel{
		ID:          r.ID,
		Language:    r.Language,
		CodeSHA256:  r.CodeSHA256,
		CodeBytes:   r.CodeBytes,
		Success:     r.Success,
		Kind:        r.Kind,
		Error:       r.Error,
		OutputBytes: r.OutputBytes,
		DurationMS:  r.DurationMS,
		Source:      string(r.Source),
		CreatedAt:   r.CreatedAt,
	}
}

func toExecutionRecord(m *ExecutionModel) storage.ExecutionRecord {
	return storage.ExecutionRecord{
		ID:          m.ID,
		Language:    m.Language,
		CodeSHA256:  m.CodeSHA256,
		CodeBytes:   m.CodeBytes,
		Success:     m.Success,
		Kind:        m.Kind,
		Error:       m.Error,
		OutputBytes: m.OutputBytes,
		DurationMS:  m.DurationMS,
		Source:      storage.Source(m.Source),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}
