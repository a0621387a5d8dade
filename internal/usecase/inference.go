package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/logging"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/repository"
)

var (
	// ErrResultNotFound is returned when no result is known for a request ID
	// owned by the caller.
	ErrResultNotFound = errors.New("result not found")
	// ErrPersistenceDisabled is returned by queries that need the database
	// when none is configured.
	ErrPersistenceDisabled = errors.New("persistence disabled")
	// ErrInferTimeout is returned when the classifier does not answer in time.
	ErrInferTimeout = errors.New("inference timed out")
)

// Classifier is the part of the classifier service the use case drives.
type Classifier interface {
	Create(ctx context.Context, identity string, spec *query.Spec) *classifier.Future[classifier.Ack]
	Learn(ctx context.Context, identity string, knowledge *query.Spec) *classifier.Future[classifier.Ack]
	Infer(ctx context.Context, identity string, q *query.Spec) *classifier.Future[string]
	Stats() classifier.ExecutorStats
}

// InferenceRepository defines the persistence operations needed by the use case.
type InferenceRepository interface {
	SaveLog(ctx context.Context, log *repository.InferenceLog) error
	FindByRequestIDAndIdentity(ctx context.Context, requestID, identity string) (*repository.InferenceLog, error)
	FindDuplicatesByHash(ctx context.Context, identity, hash, excludeRequestID string) ([]*repository.InferenceLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	RecentLatencies(ctx context.Context, limit int) ([]float64, error)
}

// InferResult is the outcome of one infer request.
type InferResult struct {
	RequestID string    `json:"request_id"`
	Identity  string    `json:"identity"`
	Label     string    `json:"label"`
	Cached    bool      `json:"cached"`
	LatencyMs float64   `json:"latency_ms"`
	SHA1Hash  string    `json:"sha1_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// DuplicateReport lists earlier requests that carried the same image.
type DuplicateReport struct {
	Request    *repository.InferenceLog   `json:"request"`
	Duplicates []*repository.InferenceLog `json:"duplicates"`
}

// Option configures an InferenceUseCase.
type Option func(*InferenceUseCase)

// WithRepository enables persistence of inference logs.
func WithRepository(repo InferenceRepository) Option {
	return func(uc *InferenceUseCase) { uc.repo = repo }
}

// WithCache enables result caching.
func WithCache(cache Cache) Option {
	return func(uc *InferenceUseCase) { uc.cache = cache }
}

// WithInferTimeout bounds how long a caller waits for the classifier.
func WithInferTimeout(d time.Duration) Option {
	return func(uc *InferenceUseCase) { uc.inferTimeout = d }
}

// WithResultTTL sets how long cached results live.
func WithResultTTL(d time.Duration) Option {
	return func(uc *InferenceUseCase) { uc.resultTTL = d }
}

// InferenceUseCase wraps the classifier with request tracking, caching and
// persistence. Repository and cache are optional.
type InferenceUseCase struct {
	classifier     Classifier
	repo           InferenceRepository
	cache          Cache
	logger         *zap.Logger
	inferTimeout   time.Duration
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInferenceUseCase constructs a new use case instance.
func NewInferenceUseCase(c Classifier, logger *zap.Logger, opts ...Option) *InferenceUseCase {
	uc := &InferenceUseCase{
		classifier:     c,
		logger:         logger.Named("inference_usecase"),
		inferTimeout:   30 * time.Second,
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Create forwards to the classifier and waits for its acknowledgement.
func (uc *InferenceUseCase) Create(ctx context.Context, identity string, spec *query.Spec) (classifier.Ack, error) {
	return uc.await(ctx, "usecase.create", uc.classifier.Create(ctx, identity, spec))
}

// Learn forwards to the classifier and waits for its acknowledgement.
func (uc *InferenceUseCase) Learn(ctx context.Context, identity string, knowledge *query.Spec) (classifier.Ack, error) {
	return uc.await(ctx, "usecase.learn", uc.classifier.Learn(ctx, identity, knowledge))
}

func (uc *InferenceUseCase) await(ctx context.Context, operation string, fut *classifier.Future[classifier.Ack]) (classifier.Ack, error) {
	ack, err := fut.Wait(ctx)
	if err != nil {
		return classifier.Ack{}, logging.NewOperationError(operation, "", err)
	}
	return ack, nil
}

// Infer classifies the first image of q on behalf of identity. A label cached
// for the same image bytes is reused without touching the classifier.
func (uc *InferenceUseCase) Infer(ctx context.Context, identity string, q *query.Spec) (*InferResult, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.infer", requestID)

	image, err := q.FirstImage()
	if err != nil {
		return nil, logging.NewOperationError("usecase.infer", requestID, err)
	}
	sum := sha1.Sum(image)
	hash := hex.EncodeToString(sum[:])

	started := time.Now()
	result := &InferResult{RequestID: requestID, Identity: identity, SHA1Hash: hash}

	if label, ok := uc.cachedLabel(ctx, requestID, hash); ok {
		result.Label = label
		result.Cached = true
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, uc.inferTimeout)
		label, err := uc.classifier.Infer(ctx, identity, q).Wait(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrInferTimeout
		}
		if err != nil {
			_ = uc.persist(ctx, opLogger, result, started, err)
			return nil, logging.NewOperationError("usecase.infer", requestID, err)
		}
		result.Label = label
	}

	if err := uc.persist(ctx, opLogger, result, started, nil); err != nil {
		return nil, err
	}
	uc.cacheResult(ctx, opLogger, result)
	return result, nil
}

// persist records the outcome and fills in latency and timestamp.
func (uc *InferenceUseCase) persist(ctx context.Context, opLogger *zap.Logger, result *InferResult, started time.Time, inferErr error) error {
	result.LatencyMs = float64(time.Since(started).Microseconds()) / 1000
	result.CreatedAt = time.Now().UTC()
	if uc.repo == nil {
		return nil
	}

	log := &repository.InferenceLog{
		RequestID: result.RequestID,
		Identity:  result.Identity,
		Label:     result.Label,
		Success:   inferErr == nil,
		LatencyMs: result.LatencyMs,
		SHA1Hash:  result.SHA1Hash,
		CreatedAt: result.CreatedAt,
	}
	if inferErr != nil {
		log.Error = inferErr.Error()
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", result.RequestID, err)
		opLogger.Error("failed to persist inference log", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

func (uc *InferenceUseCase) cachedLabel(ctx context.Context, requestID, hash string) (string, bool) {
	if uc.cache == nil {
		return "", false
	}
	label, err := uc.withRedisGet(ctx, requestID, "cache.get.label", labelKey(hash))
	if err != nil {
		if !isCacheMiss(err) {
			logging.WithOperation(uc.logger, "usecase.infer", requestID).Warn("failed to read label cache", zap.Error(err))
		}
		return "", false
	}
	return label, label != ""
}

// cacheResult is best effort: a failing cache never fails the request.
func (uc *InferenceUseCase) cacheResult(ctx context.Context, opLogger *zap.Logger, result *InferResult) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Error("failed to serialize inference result", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(result.RequestID), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache inference result", zap.Error(err))
	}
	if result.Cached {
		return
	}
	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.label", func() error {
		return uc.cache.Set(ctx, labelKey(result.SHA1Hash), result.Label, uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache label", zap.Error(err))
	}
}

// GetResult returns a cached outcome or loads it from persistence. Results
// owned by another identity are reported as not found.
func (uc *InferenceUseCase) GetResult(ctx context.Context, identity, requestID string) (*InferResult, error) {
	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
		switch {
		case err == nil:
			var payload InferResult
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
			} else if payload.Identity == identity {
				return &payload, nil
			}
		case !isCacheMiss(err):
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	log, err := uc.findLog(ctx, identity, requestID)
	if err != nil {
		return nil, err
	}
	if !log.Success {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	return &InferResult{
		RequestID: log.RequestID,
		Identity:  log.Identity,
		Label:     log.Label,
		LatencyMs: log.LatencyMs,
		SHA1Hash:  log.SHA1Hash,
		CreatedAt: log.CreatedAt,
	}, nil
}

// GetDuplicateReport lists the caller's other requests with the same image.
func (uc *InferenceUseCase) GetDuplicateReport(ctx context.Context, identity, requestID string) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_duplicates", requestID, ErrPersistenceDisabled)
	}
	log, err := uc.findLog(ctx, identity, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, identity, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}
	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}

func (uc *InferenceUseCase) findLog(ctx context.Context, identity, requestID string) (*repository.InferenceLog, error) {
	log, err := uc.repo.FindByRequestIDAndIdentity(ctx, requestID, identity)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, logging.NewOperationError("usecase.find_log", requestID, ErrResultNotFound)
	}
	return log, err
}

func (uc *InferenceUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
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
		if isCacheMiss(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *InferenceUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
