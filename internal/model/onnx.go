package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/cancer-check/internal/imageprocessor"
)

// OutputSize is the number of values the classifier emits per image: a
// single sigmoid score.
const OutputSize = 1

var (
	initOnce sync.Once
	initErr  error
)

// OnnxConfig names the runtime library and graph tensors.
type OnnxConfig struct {
	SharedLibraryPath string
	InputName         string
	OutputName        string
}

// InitializeRuntime loads the onnxruntime shared library once per process.
func InitializeRuntime(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return initErr
}

// DestroyRuntime tears down the onnxruntime environment.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// OpenOnnx returns an OpenFunc creating ONNX sessions per cfg.
func OpenOnnx(cfg OnnxConfig) OpenFunc {
	return func(path string) (Handle, error) {
		if err := InitializeRuntime(cfg.SharedLibraryPath); err != nil {
			return nil, err
		}
		session, err := ort.NewDynamicAdvancedSession(path,
			[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX session: %w", err)
		}
		return &OnnxHandle{session: session}, nil
	}
}

// OnnxHandle runs the classifier through onnxruntime. Tensors are created
// per call so concurrent Infer calls never share buffers.
type OnnxHandle struct {
	session *ort.DynamicAdvancedSession
}

func (h *OnnxHandle) Infer(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	if err := tensor.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(tensor.Shape...), tensor.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(imageprocessor.BatchSize, OutputSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := h.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(output.GetData()))
	copy(out, output.GetData())
	return out, nil
}

func (h *OnnxHandle) Close() error {
	if h.session == nil {
		return nil
	}
	return h.session.Destroy()
}
