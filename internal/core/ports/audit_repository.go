package ports

import (
	"context"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// AuditRepository persists execution and HTTP access audit rows.
type AuditRepository interface {
	// UpsertExecution writes the row keyed by (runID, record.ExecutionID),
	// replacing an earlier version of the same row.
	UpsertExecution(ctx context.Context, runID string, record domain.ExecutionRecord) error
	InsertAccess(ctx context.Context, access domain.HTTPAccess) error
}

// AuditSink accepts audit rows without blocking the caller.
type AuditSink interface {
	RecordExecution(record domain.ExecutionRecord)
	RecordAccess(access domain.HTTPAccess)
}
