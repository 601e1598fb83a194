package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/model"
	"github.com/example/cancer-check/internal/upload"
	"github.com/example/cancer-check/internal/usecase"
)

// MaxUploadSize bounds the image form field.
const MaxUploadSize = usecase.MaxUploadSize

// multipartOverhead is the slack allowed on top of MaxUploadSize for
// multipart boundaries and headers.
const multipartOverhead = 64 << 10

const (
	messageSuccess  = "Model is predicted successfully"
	messageFailure  = "Terjadi kesalahan dalam melakukan prediksi"
	messageTooLarge = "File terlalu besar. Maksimal ukuran file adalah 1MB."
)

// failureStatus is the outward status for every pipeline failure kind.
var failureStatus = map[usecase.Kind]int{
	usecase.KindValidation:       http.StatusBadRequest,
	usecase.KindDecode:           http.StatusBadRequest,
	usecase.KindModelUnavailable: http.StatusBadRequest,
	usecase.KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
}

var statusMessage = map[int]string{
	http.StatusBadRequest:            messageFailure,
	http.StatusRequestEntityTooLarge: messageTooLarge,
}

// Predictor is the use case surface the HTTP layer depends on.
type Predictor interface {
	Predict(ctx context.Context, requestID string, img *usecase.Image) (*usecase.Result, error)
	RecordRejection(err error)
	GetMetricsSummary() *usecase.MetricsSummary
}

// ModelStatus reports model readiness for the health endpoint.
type ModelStatus interface {
	State() model.State
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    *predictionData `json:"data,omitempty"`
}

type predictionData struct {
	ID         string `json:"id"`
	Result     string `json:"result"`
	Suggestion string `json:"suggestion"`
	CreatedAt  string `json:"createdAt"`
}

// isoMillis matches the millisecond ISO-8601 form clients already parse.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type handler struct {
	uc     Predictor
	stager *upload.Stager
	models ModelStatus
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Predictor, stager *upload.Stager, models ModelStatus, logger *zap.Logger) {
	h := &handler{uc: uc, stager: stager, models: models, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": h.models.State().String()})
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.uc.GetMetricsSummary())
	})

	router.POST("/predict", h.predict)
}

func (h *handler) predict(c *gin.Context) {
	requestID := logging.RequestID(c)
	opLogger := logging.WithOperation(h.logger, "handlers.predict", requestID)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	defer func() {
		if form := c.Request.MultipartForm; form != nil {
			if err := form.RemoveAll(); err != nil {
				opLogger.Warn("failed to remove multipart temp files", zap.Error(err))
			}
		}
	}()
	if err != nil {
		if isBodyTooLarge(err) {
			h.reject(c, &usecase.PredictionError{Kind: usecase.KindPayloadTooLarge, Err: err})
			return
		}
		h.reject(c, &usecase.PredictionError{Kind: usecase.KindValidation, Err: usecase.ErrNoImage})
		return
	}
	if file.Size > MaxUploadSize {
		h.reject(c, &usecase.PredictionError{Kind: usecase.KindPayloadTooLarge, Err: upload.ErrTooLarge})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.reject(c, logging.NewOperationError("handlers.open_upload", requestID, err))
		return
	}
	defer src.Close()

	staged, err := h.stager.Stage(src)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			h.reject(c, &usecase.PredictionError{Kind: usecase.KindPayloadTooLarge, Err: err})
			return
		}
		h.reject(c, logging.NewOperationError("handlers.stage_upload", requestID, err))
		return
	}
	defer func() {
		if err := staged.Release(); err != nil {
			opLogger.Error("failed to remove staged upload", zap.String("path", staged.Path), zap.Error(err))
		}
	}()
	opLogger.Debug("upload staged", zap.String("path", staged.Path), zap.Int64("size", staged.Size))

	data, err := staged.Read()
	if err != nil {
		h.reject(c, logging.NewOperationError("handlers.read_upload", requestID, err))
		return
	}

	result, err := h.uc.Predict(c.Request.Context(), requestID, &usecase.Image{Data: data, Size: staged.Size})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, envelope{
		Status:  "success",
		Message: messageSuccess,
		Data: &predictionData{
			ID:         result.ID,
			Result:     string(result.Label),
			Suggestion: result.Suggestion,
			CreatedAt:  result.CreatedAt.UTC().Format(isoMillis),
		},
	})
}

// reject fails a request that never reached the use case, keeping the
// metrics summary complete.
func (h *handler) reject(c *gin.Context, err error) {
	h.uc.RecordRejection(err)
	h.fail(c, err)
}

func (h *handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	h.logger.Warn("prediction request failed",
		zap.String("request_id", logging.RequestID(c)),
		zap.Int("status", status),
		zap.Error(err))
	_ = c.Error(err)
	c.JSON(status, envelope{Status: "fail", Message: statusMessage[status]})
}

// StatusFor maps an error to its HTTP status. Errors outside the pipeline
// taxonomy get the generic 400.
func StatusFor(err error) int {
	if kind, ok := usecase.KindOf(err); ok {
		if status, ok := failureStatus[kind]; ok {
			return status
		}
	}
	return http.StatusBadRequest
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
