package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-service/internal/logging"
)

// InferenceLog represents a persisted infer request.
type InferenceLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Identity  string    `gorm:"column:identity;index;size:128"`
	Label     string    `gorm:"column:label;size:256"`
	Success   bool      `gorm:"column:success"`
	Error     string    `gorm:"column:error;type:text"`
	LatencyMs float64   `gorm:"column:latency_ms"`
	SHA1Hash  string    `gorm:"column:sha1_hash;index;size:40"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (InferenceLog) TableName() string {
	return "inference_logs"
}

// MetricsAggregation holds counters computed by the database.
type MetricsAggregation struct {
	TotalCount     int64
	SuccessCount   int64
	DistinctLabels int64
}

// InferenceRepository provides persistence APIs for inference logs.
type InferenceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInferenceRepository creates a new repository instance.
func NewInferenceRepository(db *gorm.DB, logger *zap.Logger) *InferenceRepository {
	return &InferenceRepository{
		db:             db,
		logger:         logger.Named("inference_repository"),
		retryAttempts:  3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *InferenceRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&InferenceLog{})
	})
}

// SaveLog persists an inference log entry.
func (r *InferenceRepository) SaveLog(ctx context.Context, log *InferenceLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndIdentity retrieves a log matching the request and its owner.
func (r *InferenceRepository) FindByRequestIDAndIdentity(ctx context.Context, requestID, identity string) (*InferenceLog, error) {
	var log InferenceLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND identity = ?", requestID, identity).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the owner's other requests carrying the same image.
func (r *InferenceRepository) FindDuplicatesByHash(ctx context.Context, identity, hash, excludeRequestID string) ([]*InferenceLog, error) {
	var logs []*InferenceLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("identity = ? AND sha1_hash = ? AND request_id <> ?", identity, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics counts requests, successes and distinct labels.
func (r *InferenceRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount     int64
		SuccessCount   int64
		DistinctLabels int64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&InferenceLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COUNT(DISTINCT NULLIF(label, '')) AS distinct_labels").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:     row.TotalCount,
		SuccessCount:   row.SuccessCount,
		DistinctLabels: row.DistinctLabels,
	}, nil
}

// RecentLatencies returns the latencies of the newest limit successful requests.
func (r *InferenceRepository) RecentLatencies(ctx context.Context, limit int) ([]float64, error) {
	var latencies []float64
	err := r.executeWithRetry(ctx, "repository.recent_latencies", "", func() error {
		return r.db.WithContext(ctx).Model(&InferenceLog{}).
			Where("success = ?", true).
			Order("created_at DESC").
			Limit(limit).
			Pluck("latency_ms", &latencies).Error
	})
	if err != nil {
		return nil, err
	}
	return latencies, nil
}

func (r *InferenceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
