package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

const (
	executionsCollection = "execution_audit"
	accessCollection     = "http_access"
)

// AuditRepository implements ports.AuditRepository.
type AuditRepository struct {
	db *mongo.Database
}

func NewAuditRepository(db *mongo.Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// EnsureIndexes makes (run_id, execution_id) unique.
func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(executionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "execution_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create audit indexes: %w", err)
	}
	return nil
}

func executionDoc(runID string, rec domain.ExecutionRecord) bson.M {
	doc := bson.M{
		"run_id":             runID,
		"execution_id":       int64(rec.ExecutionID),
		"msg_id":             rec.MsgID,
		"msg_code":           rec.MsgCode,
		"user_id":            rec.UserID,
		"module_id":          int64(rec.ModuleID),
		"module_instance_id": int64(rec.InstanceID),
		"start_time":         rec.StartTime.UTC(),
		"status":             string(rec.Status),
		"complete_flag":      rec.Complete,
		"expiration_time":    rec.ExpirationTime.UTC(),
	}
	if !rec.StopTime.IsZero() {
		doc["stop_time"] = rec.StopTime.UTC()
	}
	if rec.CancelReason != "" {
		doc["cancel_reason"] = string(rec.CancelReason)
	}
	return doc
}

func (r *AuditRepository) UpsertExecution(ctx context.Context, runID string, rec domain.ExecutionRecord) error {
	filter := bson.M{"run_id": runID, "execution_id": int64(rec.ExecutionID)}
	_, err := r.db.Collection(executionsCollection).
		ReplaceOne(ctx, filter, executionDoc(runID, rec), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: upsert execution %d: %v", domain.ErrStorage, rec.ExecutionID, err)
	}
	return nil
}

func (r *AuditRepository) InsertAccess(ctx context.Context, a domain.HTTPAccess) error {
	doc := bson.M{
		"timestamp":   a.Timestamp.UTC(),
		"peer_ip":     a.PeerIP,
		"hostname":    a.Hostname,
		"operation":   a.Operation,
		"recorded_at": time.Now().UTC(),
	}
	if _, err := r.db.Collection(accessCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%w: insert access: %v", domain.ErrStorage, err)
	}
	return nil
}
