package model

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/storage"
)

type stubFetcher struct {
	path string
	err  error
	got  storage.Source
}

func (s *stubFetcher) Fetch(ctx context.Context, src storage.Source) (string, error) {
	s.got = src
	return s.path, s.err
}

func TestLoaderPublishesHandle(t *testing.T) {
	holder := NewHolder()
	fetcher := &stubFetcher{path: "/tmp/model.onnx"}
	handle := &stubHandle{}
	var opened string
	open := func(path string) (Handle, error) {
		opened = path
		return handle, nil
	}

	loader := NewLoader(fetcher, open, holder, 0, zap.NewNop())
	if err := loader.Load(context.Background(), "s3://models/model.onnx"); err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if fetcher.got.Bucket != "models" || fetcher.got.Key != "model.onnx" {
		t.Fatalf("unexpected source passed to fetcher: %+v", fetcher.got)
	}
	if opened != "/tmp/model.onnx" {
		t.Fatalf("expected fetched path to be opened, got %q", opened)
	}
	if got, err := holder.Current(); err != nil || got != handle {
		t.Fatalf("expected handle to be published, got %v, %v", got, err)
	}
}

func TestLoaderRecordsFetchFailure(t *testing.T) {
	holder := NewHolder()
	fetcher := &stubFetcher{err: errors.New("no such bucket")}
	open := func(path string) (Handle, error) {
		t.Fatal("open must not be called when fetch fails")
		return nil, nil
	}

	loader := NewLoader(fetcher, open, holder, 0, zap.NewNop())
	if err := loader.Load(context.Background(), "./model.onnx"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if holder.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", holder.State())
	}
}

func TestLoaderRecordsOpenFailure(t *testing.T) {
	holder := NewHolder()
	open := func(path string) (Handle, error) {
		return nil, errors.New("bad protobuf")
	}

	loader := NewLoader(&stubFetcher{path: "model.onnx"}, open, holder, 0, zap.NewNop())
	err := loader.Load(context.Background(), "model.onnx")

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "model.open" {
		t.Fatalf("expected model.open OperationError, got %v", err)
	}
	if _, err := holder.Current(); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
}

func TestLoaderRejectsBadSource(t *testing.T) {
	holder := NewHolder()
	loader := NewLoader(&stubFetcher{}, nil, holder, 0, zap.NewNop())
	if err := loader.Load(context.Background(), "ftp://host/model.onnx"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if holder.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", holder.State())
	}
}

func TestLoaderClosesHandleWhenAlreadyResolved(t *testing.T) {
	holder := NewHolder()
	_ = holder.Fail(errors.New("gave up"))
	handle := &stubHandle{}
	open := func(path string) (Handle, error) { return handle, nil }

	loader := NewLoader(&stubFetcher{path: "model.onnx"}, open, holder, 0, zap.NewNop())
	if err := loader.Load(context.Background(), "model.onnx"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if !handle.closed {
		t.Fatal("expected orphaned handle to be closed")
	}
}
