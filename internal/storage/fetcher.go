package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/logging"
)

// Downloader copies a remote object to a local file.
type Downloader interface {
	Download(ctx context.Context, bucket, key, filename string) error
}

// Fetcher resolves a model Source to a readable local file.
type Fetcher struct {
	cacheDir string
	s3       S3ClientConfig
	logger   *zap.Logger

	// newDownloader is swapped in tests.
	newDownloader func(ctx context.Context, cfg S3ClientConfig) (Downloader, error)
}

// NewFetcher builds a Fetcher that stores remote models under cacheDir.
func NewFetcher(cacheDir string, s3Cfg S3ClientConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		cacheDir:      cacheDir,
		s3:            s3Cfg,
		logger:        logger.Named("storage"),
		newDownloader: newS3Downloader,
	}
}

// Fetch returns the local path of the model described by src.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (string, error) {
	if !src.Remote() {
		info, err := os.Stat(src.Path)
		if err != nil {
			return "", logging.NewOperationError("storage.fetch_local", "", err)
		}
		if info.IsDir() {
			return "", logging.NewOperationError("storage.fetch_local", "", fmt.Errorf("%s is a directory", src.Path))
		}
		return src.Path, nil
	}

	cfg := f.s3
	if src.Kind == KindGCS && cfg.Endpoint == "" {
		cfg.Endpoint = gcsInteropEndpoint
	}

	downloader, err := f.newDownloader(ctx, cfg)
	if err != nil {
		return "", logging.NewOperationError("storage.init_client", "", err)
	}

	dest := filepath.Join(f.cacheDir, src.Bucket, filepath.FromSlash(src.Key))
	if err := downloader.Download(ctx, src.Bucket, src.Key, dest); err != nil {
		return "", logging.NewOperationError("storage.download", "", err)
	}
	f.logger.Info("model downloaded", zap.String("source", src.String()), zap.String("path", dest))
	return dest, nil
}

type s3Downloader struct {
	downloader *manager.Downloader
}

func newS3Downloader(ctx context.Context, cfg S3ClientConfig) (Downloader, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &s3Downloader{downloader: manager.NewDownloader(client)}, nil
}

// Download streams into a temporary sibling and renames it to filename once
// the transfer completes.
func (d *s3Downloader) Download(ctx context.Context, bucket, key, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for download %s: %w", filepath.Dir(filename), err)
	}
	file, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create file for %s: %w", filename, err)
	}
	tmp := file.Name()
	defer os.Remove(tmp)

	_, err = d.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return os.Rename(tmp, filename)
}
