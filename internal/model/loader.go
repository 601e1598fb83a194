package model

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/storage"
)

// Fetcher resolves a model source to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, src storage.Source) (string, error)
}

// OpenFunc deserializes the model file at path.
type OpenFunc func(path string) (Handle, error)

// Loader fetches and opens the model, then resolves the Holder exactly once.
type Loader struct {
	fetcher Fetcher
	open    OpenFunc
	holder  *Holder
	timeout time.Duration
	logger  *zap.Logger
}

// NewLoader constructs a loader. A zero timeout means no bound.
func NewLoader(fetcher Fetcher, open OpenFunc, holder *Holder, timeout time.Duration, logger *zap.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		open:    open,
		holder:  holder,
		timeout: timeout,
		logger:  logger.Named("model_loader"),
	}
}

// Load fetches and opens the model at rawSource. Failures are logged,
// recorded in the holder and returned.
func (l *Loader) Load(ctx context.Context, rawSource string) error {
	opLogger := logging.WithOperation(l.logger, "model.load", "").With(zap.String("source", rawSource))
	start := time.Now()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	handle, err := l.load(ctx, rawSource)
	if err != nil {
		opLogger.Error("model unavailable", zap.Error(err))
		_ = l.holder.Fail(err)
		return err
	}

	if err := l.holder.Set(handle); err != nil {
		_ = handle.Close()
		opLogger.Warn("discarding model, holder already resolved", zap.Error(err))
		return err
	}
	opLogger.Info("model loaded", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (l *Loader) load(ctx context.Context, rawSource string) (Handle, error) {
	src, err := storage.ParseSource(rawSource)
	if err != nil {
		return nil, logging.NewOperationError("model.parse_source", "", err)
	}

	path, err := l.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("model.load", "", err)
	}

	handle, err := l.open(path)
	if err != nil {
		return nil, logging.NewOperationError("model.open", "", err)
	}
	return handle, nil
}
