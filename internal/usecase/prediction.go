package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/model"
)

const (
	// MaxUploadSize is the largest accepted image in bytes.
	MaxUploadSize = 1_000_000
	// DecisionThreshold separates positive from negative scores. A score
	// equal to the threshold is negative.
	DecisionThreshold = 0.5
)

// Label is the classification outcome.
type Label string

const (
	LabelPositive Label = "Cancer"
	LabelNegative Label = "Non-cancer"
)

const (
	SuggestionPositive = "Segera periksa ke dokter!"
	SuggestionNegative = "Penyakit kanker tidak terdeteksi."
)

// Image is an uploaded image buffer plus its declared size.
type Image struct {
	Data []byte
	Size int64
}

// Result is an immutable prediction outcome.
type Result struct {
	ID         string
	Label      Label
	Suggestion string
	Score      float32
	CreatedAt  time.Time
}

// ModelProvider hands out the shared model handle, or explains its absence.
type ModelProvider interface {
	Current() (model.Handle, error)
}

// PredictionUseCase runs the decode, normalize, infer and interpret steps.
type PredictionUseCase struct {
	models   ModelProvider
	cache    Cache
	cacheTTL time.Duration
	metrics  *metricsRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a PredictionUseCase.
type Option func(*PredictionUseCase)

// WithScoreCache memoizes model scores by image digest.
func WithScoreCache(cache Cache, ttl time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(uc *PredictionUseCase) {
		uc.now = now
	}
}

// NewPredictionUseCase constructs a use case reading models from provider.
func NewPredictionUseCase(provider ModelProvider, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		models:  provider,
		metrics: &metricsRecorder{},
		logger:  logger.Named("prediction_usecase"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Predict classifies img. Every returned error is a *PredictionError.
func (uc *PredictionUseCase) Predict(ctx context.Context, requestID string, img *Image) (*Result, error) {
	start := uc.now()
	result, err := uc.predict(ctx, requestID, img)
	uc.metrics.record(result, err, uc.now().Sub(start))
	return result, err
}

func (uc *PredictionUseCase) predict(ctx context.Context, requestID string, img *Image) (*Result, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if img == nil || (len(img.Data) == 0 && img.Size == 0) {
		return nil, newError(KindValidation, ErrNoImage)
	}
	if img.Size > MaxUploadSize || int64(len(img.Data)) > MaxUploadSize {
		return nil, newError(KindPayloadTooLarge, fmt.Errorf("image of %d bytes exceeds %d", max(img.Size, int64(len(img.Data))), MaxUploadSize))
	}

	tensor, err := imageprocessor.Prepare(img.Data)
	if err != nil {
		opLogger.Warn("image decode failed", zap.Error(err))
		return nil, newError(KindDecode, err)
	}

	handle, err := uc.models.Current()
	if err != nil {
		opLogger.Error("model unavailable", zap.Error(err))
		return nil, newError(KindModelUnavailable, err)
	}

	score, err := uc.score(ctx, requestID, handle, tensor, img.Data)
	if err != nil {
		opLogger.Error("inference failed", zap.Error(err))
		return nil, newError(KindModelUnavailable, err)
	}

	label, suggestion := Interpret(score)
	result := &Result{
		ID:         uuid.NewString(),
		Label:      label,
		Suggestion: suggestion,
		Score:      score,
		CreatedAt:  uc.now().UTC(),
	}
	opLogger.Info("prediction completed",
		zap.String("prediction_id", result.ID),
		zap.String("result", string(label)),
		zap.Float32("score", score))
	return result, nil
}

func (uc *PredictionUseCase) score(ctx context.Context, requestID string, handle model.Handle, tensor *imageprocessor.Tensor, data []byte) (float32, error) {
	key := ""
	if uc.cache != nil {
		digest := sha1.Sum(data)
		key = scoreCacheKey(hex.EncodeToString(digest[:]))
		if score, ok := uc.cachedScore(ctx, requestID, key); ok {
			return score, nil
		}
	}

	output, err := handle.Infer(ctx, tensor)
	if err != nil {
		return 0, err
	}
	score, err := FirstScore(output)
	if err != nil {
		return 0, err
	}

	if key != "" {
		uc.storeScore(ctx, requestID, key, score)
	}
	return score, nil
}

// FirstScore extracts the sigmoid score from a raw model output.
func FirstScore(output []float32) (float32, error) {
	if len(output) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrInvalidScore)
	}
	score := output[0]
	if math.IsNaN(float64(score)) || score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: %v outside [0, 1]", ErrInvalidScore, score)
	}
	return score, nil
}

// Interpret maps a score to its label and advisory text.
func Interpret(score float32) (Label, string) {
	if score > DecisionThreshold {
		return LabelPositive, SuggestionPositive
	}
	return LabelNegative, SuggestionNegative
}
