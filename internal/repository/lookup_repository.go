package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/fuzzysearch/internal/logging"
)

// ErrLookupNotFound is returned when no lookup matches the request and owner.
var ErrLookupNotFound = errors.New("lookup not found")

// Lookup kinds stored in LookupLog.Kind.
const (
	KindHashes   = "hashes"
	KindImage    = "image"
	KindFileHash = "file_hash"
)

// LookupLog is one persisted lookup.
type LookupLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;index;size:64"`
	Kind       string    `gorm:"column:kind;size:16"`
	Query      string    `gorm:"column:query;type:text"`
	MatchCount int       `gorm:"column:match_count"`
	CacheHit   bool      `gorm:"column:cache_hit"`
	Success    bool      `gorm:"column:success"`
	Error      string    `gorm:"column:error;type:text"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (LookupLog) TableName() string {
	return "lookup_logs"
}

// MetricsAggregation is the raw aggregate over all lookup logs.
type MetricsAggregation struct {
	TotalCount       int64   `gorm:"column:total_count"`
	SuccessCount     int64   `gorm:"column:success_count"`
	CacheHitCount    int64   `gorm:"column:cache_hit_count"`
	AverageMatches   float64 `gorm:"column:average_matches"`
	AverageLatencyMs float64 `gorm:"column:average_latency_ms"`
}

// LookupRepository persists lookup logs.
type LookupRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewLookupRepository creates a new repository instance.
func NewLookupRepository(db *gorm.DB, logger *zap.Logger) *LookupRepository {
	return &LookupRepository{
		db:             db,
		logger:         logger.Named("lookup_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *LookupRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&LookupLog{})
}

// SaveLog persists a lookup log entry.
func (r *LookupRepository) SaveLog(ctx context.Context, log *LookupLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a lookup owned by userID.
func (r *LookupRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*LookupLog, error) {
	var log LookupLog
	err := r.executeWithRetry(ctx, "repository.find_lookup", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLookupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises all stored lookups.
func (r *LookupRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&LookupLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hit_count,
				COALESCE(AVG(match_count), 0) AS average_matches,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *LookupRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
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
			return err
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
