package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// AuditRepository implements ports.AuditRepository.
type AuditRepository struct {
	db DB
}

func NewAuditRepository(db DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *AuditRepository) UpsertExecution(ctx context.Context, runID string, rec domain.ExecutionRecord) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO execution_audit (
	run_id, execution_id, msg_id, msg_code, user_id, module_id, module_instance_id,
	start_time, stop_time, status, complete_flag, cancel_reason, expiration_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id, execution_id) DO UPDATE SET
	stop_time = EXCLUDED.stop_time,
	status = EXCLUDED.status,
	complete_flag = EXCLUDED.complete_flag,
	cancel_reason = EXCLUDED.cancel_reason`,
		runID, int64(rec.ExecutionID), rec.MsgID, rec.MsgCode, rec.UserID, int64(rec.ModuleID), int64(rec.InstanceID),
		rec.StartTime.UTC(), nullableTime(rec.StopTime), string(rec.Status), rec.Complete, string(rec.CancelReason), rec.ExpirationTime.UTC())
	if err != nil {
		return fmt.Errorf("%w: upsert execution %d: %v", domain.ErrStorage, rec.ExecutionID, err)
	}
	return nil
}

func (r *AuditRepository) InsertAccess(ctx context.Context, a domain.HTTPAccess) error {
	_, err := r.db.Exec(ctx, `INSERT INTO http_access (ts, peer_ip, hostname, operation) VALUES ($1, $2, $3, $4)`,
		a.Timestamp.UTC(), a.PeerIP, a.Hostname, a.Operation)
	if err != nil {
		return fmt.Errorf("%w: insert access: %v", domain.ErrStorage, err)
	}
	return nil
}
