package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gersonrivera27/STACKPOS/config"
)

// ErrNoBackend is returned by Open when no object store is configured.
var ErrNoBackend = errors.New("storage: no backend configured")

// metadataPrefix namespaces the user metadata written alongside archives.
const metadataPrefix = "stackpos-"

// Object is one upload. Metadata keys are stored lowercased under the
// stackpos- prefix.
type Object struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, obj Object) error
	Bucket() string
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend ObjectStorage
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// Open connects to the object store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	switch cfg.Backend {
	case "":
		return nil, ErrNoBackend
	case config.BackendMinio:
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return NewStorage(client), nil
	case config.BackendGCS:
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return NewStorage(client), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Exists reports whether key is already present in the bucket.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, errors.New("storage: object key is required")
	}
	return s.backend.Exists(ctx, key)
}

// Put uploads obj after normalizing its key and metadata.
func (s *Storage) Put(ctx context.Context, obj Object) error {
	obj.Key = strings.TrimLeft(strings.TrimSpace(obj.Key), "/")
	if obj.Key == "" {
		return errors.New("storage: object key is required")
	}
	if obj.Body == nil {
		return fmt.Errorf("storage: object %s has no body", obj.Key)
	}
	obj.Metadata = normalizeMetadata(obj.Metadata)
	return s.backend.Put(ctx, obj)
}

func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

func normalizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if !strings.HasPrefix(k, metadataPrefix) {
			k = metadataPrefix + k
		}
		out[k] = v
	}
	return out
}
