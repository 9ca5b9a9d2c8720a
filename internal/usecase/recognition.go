package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/textscan/internal/logging"
	"github.com/example/textscan/internal/repository"
)

// RecognitionRepository defines the persistence operations needed by the use case.
type RecognitionRepository interface {
	SaveLog(ctx context.Context, log *repository.RecognitionLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Recognizer turns encoded image bytes into text and owns an engine handle.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
	Close() error
}

// SessionInfo identifies who a use case instance works for.
type SessionInfo struct {
	SessionID string
	UserID    string
	Model     string
}

// RecognitionUseCase puts the result cache and the recognition log around
// one session's recognizer. Cache and repository may be nil.
type RecognitionUseCase struct {
	recognizer     Recognizer
	cache          Cache
	repo           RecognitionRepository
	logger         *zap.Logger
	session        SessionInfo
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(recognizer Recognizer, cache Cache, repo RecognitionRepository, cacheTTL time.Duration, session SessionInfo, logger *zap.Logger) *RecognitionUseCase {
	return &RecognitionUseCase{
		recognizer:     recognizer,
		cache:          cache,
		repo:           repo,
		logger:         logging.WithSession(logger.Named("recognition_usecase"), session.SessionID, session.UserID),
		session:        session,
		cacheTTL:       cacheTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Recognize returns the text in image, consulting the cache first. Cache and
// log failures are logged and do not fail the recognition.
func (uc *RecognitionUseCase) Recognize(ctx context.Context, image []byte) (string, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize", requestID)
	start := time.Now()

	sum := sha1.Sum(image)
	hashHex := hex.EncodeToString(sum[:])
	cacheKey := resultCacheKey(uc.session.Model, hashHex)

	var (
		text     string
		cacheHit bool
	)
	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey)
		switch {
		case err == nil:
			text, cacheHit = cached, true
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read result cache", zap.Error(err))
		}
	}

	if !cacheHit {
		var err error
		text, err = uc.recognizer.Recognize(ctx, image)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.recognize", requestID, err)
			opLogger.Error("recognition failed", zap.Error(wrapped))
			return "", wrapped
		}
		if uc.cache != nil && strings.TrimSpace(text) != "" {
			if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
				return uc.cache.Set(ctx, cacheKey, text, uc.cacheTTL)
			}); err != nil {
				opLogger.Warn("failed to cache recognition result", zap.Error(err))
			}
		}
	}

	latency := time.Since(start)
	uc.record(ctx, opLogger, &repository.RecognitionLog{
		RequestID:  requestID,
		SessionID:  uc.session.SessionID,
		UserID:     uc.session.UserID,
		SHA1Hash:   hashHex,
		TextLength: len(text),
		Empty:      strings.TrimSpace(text) == "",
		CacheHit:   cacheHit,
		LatencyMs:  latency.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	})
	opLogger.Info("recognition finished",
		zap.Bool("cache_hit", cacheHit),
		zap.Int("text_length", len(text)),
		zap.Duration("latency", latency))
	return text, nil
}

// Close releases the recognizer's engine.
func (uc *RecognitionUseCase) Close() error {
	return uc.recognizer.Close()
}

func (uc *RecognitionUseCase) record(ctx context.Context, opLogger *zap.Logger, log *repository.RecognitionLog) {
	if uc.repo == nil {
		return
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist recognition log", zap.Error(err))
	}
}

func (uc *RecognitionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
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
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RecognitionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
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
