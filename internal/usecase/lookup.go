package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fuzzysearch/internal/archive"
	"github.com/example/fuzzysearch/internal/hashing"
	"github.com/example/fuzzysearch/internal/logging"
	"github.com/example/fuzzysearch/internal/metrics"
	"github.com/example/fuzzysearch/internal/repository"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

// SearchClient is the part of *fuzzysearch.Client the use case calls.
type SearchClient interface {
	LookupHashes(ctx context.Context, hashes []int64, distance int) ([]fuzzysearch.HashBatch, error)
	LookupFile(ctx context.Context, data []byte, filename, contentType string, matchType fuzzysearch.MatchType) (*fuzzysearch.Matches, error)
	LookupFileHash(ctx context.Context, sha256Hex string) ([]fuzzysearch.File, error)
}

// LookupRepository defines the persistence operations needed by the use case.
type LookupRepository interface {
	SaveLog(ctx context.Context, log *repository.LookupLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.LookupLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Image lookup modes. Upload sends the image to FuzzySearch; hash computes the
// perceptual hash here and searches by hash.
const (
	ModeUpload = "upload"
	ModeHash   = "hash"
)

// DefaultHashDistance is the distance used for hash-mode image lookups when
// the caller does not pick one.
const DefaultHashDistance = 3

// LookupUseCase encapsulates the lookup flow: cache, FuzzySearch, persistence.
type LookupUseCase struct {
	client         SearchClient
	repo           LookupRepository
	cache          Cache
	hasher         hashing.Hasher
	archive        archive.Store
	logger         *zap.Logger
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// HashLookup is the outcome of LookupHashes. Batches follow the input order.
type HashLookup struct {
	RequestID string                  `json:"request_id"`
	Distance  int                     `json:"distance"`
	CacheHit  bool                    `json:"cache_hit"`
	Batches   []fuzzysearch.HashBatch `json:"results"`
}

// ImageRequest describes an uploaded image to look up.
type ImageRequest struct {
	Data        []byte
	Filename    string
	ContentType string
	Mode        string
	// MatchType applies to upload mode.
	MatchType fuzzysearch.MatchType
	// Distance applies to hash mode.
	Distance int
}

// ImageLookup is the outcome of LookupImage.
type ImageLookup struct {
	RequestID string             `json:"request_id"`
	Mode      string             `json:"mode"`
	Hash      int64              `json:"hash"`
	SHA256    string             `json:"sha256"`
	CacheHit  bool               `json:"cache_hit"`
	Matches   []fuzzysearch.File `json:"matches"`
}

// FileHashLookup is the outcome of LookupFileHash.
type FileHashLookup struct {
	RequestID string             `json:"request_id"`
	SHA256    string             `json:"sha256"`
	Matches   []fuzzysearch.File `json:"matches"`
}

type cachedLookup struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Query      string    `json:"query"`
	MatchCount int       `json:"match_count"`
	CacheHit   bool      `json:"cache_hit"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewLookupUseCase constructs a new use case instance. A nil store disables
// archiving.
func NewLookupUseCase(client SearchClient, repo LookupRepository, cache Cache, hasher hashing.Hasher, store archive.Store, cacheTTL time.Duration, logger *zap.Logger) *LookupUseCase {
	if store == nil {
		store = archive.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &LookupUseCase{
		client:         client,
		repo:           repo,
		cache:          cache,
		hasher:         hasher,
		archive:        store,
		logger:         logger.Named("lookup_usecase"),
		cacheTTL:       cacheTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// LookupHashes searches by perceptual hash. Hashes already cached for this
// distance are served from Redis; only the rest are sent to FuzzySearch.
func (uc *LookupUseCase) LookupHashes(ctx context.Context, userID string, hashes []int64, distance int) (*HashLookup, error) {
	if len(hashes) == 0 {
		return nil, &fuzzysearch.ValidationError{Field: "hashes", Message: "at least one hash is required"}
	}
	if distance < 0 {
		return nil, &fuzzysearch.ValidationError{Field: "distance", Message: "must not be negative"}
	}

	requestID := uuid.NewString()
	start := time.Now()
	entry := &repository.LookupLog{
		RequestID: requestID,
		UserID:    userID,
		Kind:      repository.KindHashes,
		Query:     hashQuery(hashes, distance),
	}

	batches, cacheHit, err := uc.lookupHashesCached(ctx, requestID, hashes, distance)
	if err != nil {
		return nil, uc.fail(ctx, entry, start, "usecase.lookup_hashes", err)
	}

	entry.CacheHit = cacheHit
	for _, batch := range batches {
		entry.MatchCount += len(batch.Matches)
	}
	if err := uc.record(ctx, entry, start, nil); err != nil {
		return nil, err
	}

	return &HashLookup{
		RequestID: requestID,
		Distance:  distance,
		CacheHit:  cacheHit,
		Batches:   batches,
	}, nil
}

// LookupImage searches for an uploaded image, either by sending it to
// FuzzySearch or by hashing it first. Successful uploads are archived.
func (uc *LookupUseCase) LookupImage(ctx context.Context, userID string, req ImageRequest) (*ImageLookup, error) {
	if len(req.Data) == 0 {
		return nil, &fuzzysearch.ValidationError{Field: "image", Message: "must not be empty"}
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeUpload
	}
	if mode != ModeUpload && mode != ModeHash {
		return nil, &fuzzysearch.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.Distance < 0 {
		return nil, &fuzzysearch.ValidationError{Field: "distance", Message: "must not be negative"}
	}

	requestID := uuid.NewString()
	start := time.Now()
	digest := archive.Key(req.Data)
	entry := &repository.LookupLog{
		RequestID: requestID,
		UserID:    userID,
		Kind:      repository.KindImage,
		Query:     mode + ":" + digest,
	}
	result := &ImageLookup{RequestID: requestID, Mode: mode, SHA256: digest}

	var err error
	if mode == ModeHash {
		err = uc.lookupImageByHash(ctx, requestID, req, result)
	} else {
		var matches *fuzzysearch.Matches
		matches, err = uc.client.LookupFile(ctx, req.Data, req.Filename, req.ContentType, req.MatchType)
		if err == nil {
			result.Hash = matches.Hash
			result.Matches = matches.Matches
		}
	}
	if err != nil {
		return nil, uc.fail(ctx, entry, start, "usecase.lookup_image", err)
	}

	uc.archiveImage(ctx, requestID, digest, req)

	entry.CacheHit = result.CacheHit
	entry.MatchCount = len(result.Matches)
	if err := uc.record(ctx, entry, start, nil); err != nil {
		return nil, err
	}
	return result, nil
}

func (uc *LookupUseCase) lookupImageByHash(ctx context.Context, requestID string, req ImageRequest, result *ImageLookup) error {
	hash, err := uc.hash(ctx, req.Data)
	if err != nil {
		return err
	}
	batches, cacheHit, err := uc.lookupHashesCached(ctx, requestID, []int64{hash}, req.Distance)
	if err != nil {
		return err
	}
	result.Hash = hash
	result.CacheHit = cacheHit
	result.Matches = batches[0].Matches
	return nil
}

// LookupFileHash searches for files whose SHA-256 digest matches exactly.
func (uc *LookupUseCase) LookupFileHash(ctx context.Context, userID, sha256Hex string) (*FileHashLookup, error) {
	sha256Hex = strings.ToLower(strings.TrimSpace(sha256Hex))

	requestID := uuid.NewString()
	start := time.Now()
	entry := &repository.LookupLog{
		RequestID: requestID,
		UserID:    userID,
		Kind:      repository.KindFileHash,
		Query:     sha256Hex,
	}

	files, err := uc.client.LookupFileHash(ctx, sha256Hex)
	if err != nil {
		return nil, uc.fail(ctx, entry, start, "usecase.lookup_file_hash", err)
	}

	entry.MatchCount = len(files)
	if err := uc.record(ctx, entry, start, nil); err != nil {
		return nil, err
	}
	return &FileHashLookup{RequestID: requestID, SHA256: sha256Hex, Matches: files}, nil
}

// HashImage computes the perceptual hash of an image without searching.
func (uc *LookupUseCase) HashImage(ctx context.Context, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, &fuzzysearch.ValidationError{Field: "image", Message: "must not be empty"}
	}
	hash, err := uc.hash(ctx, data)
	if err != nil {
		var validationErr *fuzzysearch.ValidationError
		if errors.As(err, &validationErr) {
			return 0, err
		}
		wrapped := logging.NewOperationError("usecase.hash_image", "", err)
		uc.logger.Error("hashing failed", zap.Error(wrapped))
		return 0, wrapped
	}
	return hash, nil
}

// hash runs the configured hasher. Images it cannot decode are the caller's
// fault, so they come back as validation errors.
func (uc *LookupUseCase) hash(ctx context.Context, data []byte) (int64, error) {
	hash, err := uc.hasher.Hash(ctx, data)
	var decodeErr *fuzzysearch.DecodeError
	if errors.As(err, &decodeErr) {
		return 0, &fuzzysearch.ValidationError{Field: "image", Message: "unsupported or corrupt image"}
	}
	return hash, err
}

// GetLookup retrieves a lookup owned by userID, from the cache when possible.
func (uc *LookupUseCase) GetLookup(ctx context.Context, userID, requestID string) (*repository.LookupLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_lookup", requestID)

	cached, hit, err := uc.withRedisGet(ctx, requestID, "cache.get.lookup", requestCacheKey(requestID))
	switch {
	case err != nil:
		opLogger.Warn("failed to read cache", zap.Error(err))
	case hit:
		var payload cachedLookup
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached lookup", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.LookupLog{
				RequestID:  payload.RequestID,
				UserID:     payload.UserID,
				Kind:       payload.Kind,
				Query:      payload.Query,
				MatchCount: payload.MatchCount,
				CacheHit:   payload.CacheHit,
				Success:    payload.Success,
				Error:      payload.Error,
				LatencyMs:  payload.LatencyMs,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

func (uc *LookupUseCase) lookupHashesCached(ctx context.Context, requestID string, hashes []int64, distance int) ([]fuzzysearch.HashBatch, bool, error) {
	found := make(map[int64][]fuzzysearch.File, len(hashes))
	seen := make(map[int64]struct{}, len(hashes))
	var missing []int64
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}

		if files, ok := uc.cachedMatches(ctx, requestID, h, distance); ok {
			metrics.CacheHits.Inc()
			found[h] = files
			continue
		}
		metrics.CacheMisses.Inc()
		missing = append(missing, h)
	}

	if len(missing) > 0 {
		batches, err := uc.client.LookupHashes(ctx, missing, distance)
		if err != nil {
			return nil, false, err
		}
		for _, batch := range batches {
			found[batch.Hash] = batch.Matches
			uc.storeMatches(ctx, requestID, batch.Hash, distance, batch.Matches)
		}
	}

	result := make([]fuzzysearch.HashBatch, len(hashes))
	for i, h := range hashes {
		matches := found[h]
		if matches == nil {
			matches = []fuzzysearch.File{}
		}
		result[i] = fuzzysearch.HashBatch{Hash: h, Matches: matches}
	}
	return result, len(missing) == 0, nil
}

func (uc *LookupUseCase) cachedMatches(ctx context.Context, requestID string, hash int64, distance int) ([]fuzzysearch.File, bool) {
	opLogger := logging.WithOperation(uc.logger, "usecase.cached_matches", requestID)

	value, hit, err := uc.withRedisGet(ctx, requestID, "cache.get.hash", hashCacheKey(hash, distance))
	if err != nil {
		opLogger.Warn("failed to read cache", zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}

	var files []fuzzysearch.File
	if err := json.Unmarshal([]byte(value), &files); err != nil {
		opLogger.Warn("failed to decode cached matches", zap.Error(err), zap.Int64("hash", hash))
		return nil, false
	}
	return files, true
}

func (uc *LookupUseCase) storeMatches(ctx context.Context, requestID string, hash int64, distance int, files []fuzzysearch.File) {
	if files == nil {
		files = []fuzzysearch.File{}
	}
	serialized, err := json.Marshal(files)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store_matches", requestID).Error("failed to serialize matches", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.hash", func() error {
		return uc.cache.Set(ctx, hashCacheKey(hash, distance), string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.store_matches", requestID).Warn("failed to cache matches", zap.Error(err))
	}
}

func (uc *LookupUseCase) archiveImage(ctx context.Context, requestID, digest string, req ImageRequest) {
	if err := uc.archive.Put(ctx, digest, req.Data, req.ContentType); err != nil {
		logging.WithOperation(uc.logger, "usecase.archive_image", requestID).Warn("failed to archive image", zap.Error(err))
	}
}

// fail records a failed lookup and returns the wrapped error. Validation
// failures are returned as they are and never recorded.
func (uc *LookupUseCase) fail(ctx context.Context, entry *repository.LookupLog, start time.Time, operation string, err error) error {
	var validationErr *fuzzysearch.ValidationError
	if errors.As(err, &validationErr) {
		return err
	}

	wrapped := logging.NewOperationError(operation, entry.RequestID, err)
	logging.WithOperation(uc.logger, operation, entry.RequestID).Error("lookup failed", zap.Error(wrapped))
	_ = uc.record(ctx, entry, start, wrapped)
	return wrapped
}

// record updates metrics, persists the lookup and caches it for GetLookup.
func (uc *LookupUseCase) record(ctx context.Context, entry *repository.LookupLog, start time.Time, lookupErr error) error {
	elapsed := time.Since(start)
	entry.LatencyMs = elapsed.Milliseconds()
	entry.CreatedAt = time.Now().UTC()
	entry.Success = lookupErr == nil

	outcome := metrics.OutcomeOK
	if lookupErr != nil {
		entry.Error = lookupErr.Error()
		outcome = metrics.OutcomeError
	}
	metrics.Lookups.WithLabelValues(entry.Kind, outcome).Inc()
	metrics.LookupDuration.WithLabelValues(entry.Kind).Observe(elapsed.Seconds())

	opLogger := logging.WithOperation(uc.logger, "usecase.record", entry.RequestID)
	if err := uc.repo.SaveLog(ctx, entry); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", entry.RequestID, err)
		opLogger.Error("failed to persist lookup log", zap.Error(wrapped))
		return wrapped
	}

	serialized, err := json.Marshal(cachedLookup{
		RequestID:  entry.RequestID,
		UserID:     entry.UserID,
		Kind:       entry.Kind,
		Query:      entry.Query,
		MatchCount: entry.MatchCount,
		CacheHit:   entry.CacheHit,
		Success:    entry.Success,
		Error:      entry.Error,
		LatencyMs:  entry.LatencyMs,
		CreatedAt:  entry.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize lookup", zap.Error(err))
		return nil
	}
	if err := uc.withRedisRetry(ctx, entry.RequestID, "cache.set.lookup", func() error {
		return uc.cache.Set(ctx, requestCacheKey(entry.RequestID), string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache lookup", zap.Error(err))
	}
	return nil
}

func (uc *LookupUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// withRedisGet reports a missing key as hit == false rather than an error.
func (uc *LookupUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, bool, error) {
	var (
		result string
		hit    bool
	)
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			hit = false
			return nil
		}
		if err != nil {
			return err
		}
		result, hit = value, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return result, hit, nil
}

func hashQuery(hashes []int64, distance int) string {
	parts := make([]string, len(hashes))
	for i, h := range hashes {
		parts[i] = strconv.FormatInt(h, 10)
	}
	return fmt.Sprintf("hashes=%s&distance=%d", strings.Join(parts, ","), distance)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
