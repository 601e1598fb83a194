package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Source kinds understood by the fetcher.
const (
	KindLocal = "local"
	KindS3    = "s3"
	KindGCS   = "gs"
)

// gcsInteropEndpoint is the S3-compatible XML API of Google Cloud Storage.
const gcsInteropEndpoint = "https://storage.googleapis.com"

// Source identifies where a serialized model lives.
type Source struct {
	Kind   string
	Path   string
	Bucket string
	Key    string
}

// ParseSource accepts a local filesystem path or an s3:// / gs:// URI.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("model source is empty")
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return Source{Kind: KindLocal, Path: raw}, nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		return Source{Kind: KindLocal, Path: rest}, nil
	case KindS3, KindGCS:
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, fmt.Errorf("invalid model source %q: %w", raw, err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Source{}, fmt.Errorf("model source %q must name a bucket and an object key", raw)
		}
		return Source{Kind: strings.ToLower(scheme), Bucket: u.Host, Key: key}, nil
	default:
		return Source{}, fmt.Errorf("unsupported model source scheme %q", scheme)
	}
}

// Remote reports whether the source has to be downloaded.
func (s Source) Remote() bool {
	return s.Kind == KindS3 || s.Kind == KindGCS
}

func (s Source) String() string {
	if s.Remote() {
		return fmt.Sprintf("%s://%s/%s", s.Kind, s.Bucket, s.Key)
	}
	return s.Path
}
