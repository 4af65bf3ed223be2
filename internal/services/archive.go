package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/storage"
	"github.com/gersonrivera27/STACKPOS/types"
)

const archiveContentType = "application/x-ndjson"

// ErrEmptyRange is returned when an export window is empty or inverted.
var ErrEmptyRange = errors.New("export range is empty")

// ErrArchiveExists is returned when the window was already exported.
var ErrArchiveExists = errors.New("archive already exists")

// AuditLogReader streams stored audit rows in creation order.
type AuditLogReader interface {
	List(ctx context.Context, filter types.AuditLogFilter) ([]types.AuditLog, error)
	EachInRange(ctx context.Context, since, until time.Time, fn func(types.AuditLog) error) error
}

// ObjectWriter uploads archive objects.
type ObjectWriter interface {
	EnsureBucket(ctx context.Context) error
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, obj storage.Object) error
	Bucket() string
}

// ArchiveResult describes an uploaded export.
type ArchiveResult struct {
	Bucket string
	Key    string
	Rows   int
	Bytes  int64
}

// AuditArchiveService lists audit rows and exports them to object storage.
type AuditArchiveService struct {
	logs    AuditLogReader
	objects ObjectWriter
	logger  *slog.Logger
}

// NewAuditArchiveService builds the service. objects may be nil when no
// object store is configured; Export then fails and List keeps working.
func NewAuditArchiveService(logs AuditLogReader, objects ObjectWriter, logger *slog.Logger) *AuditArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditArchiveService{logs: logs, objects: objects, logger: logger}
}

func (s *AuditArchiveService) List(ctx context.Context, filter types.AuditLogFilter) ([]types.AuditLog, error) {
	return s.logs.List(ctx, filter)
}

// Export writes every row created in [since, until) as JSON Lines to
// audit/<since>_<until>.jsonl. An existing archive is never replaced.
func (s *AuditArchiveService) Export(ctx context.Context, since, until time.Time) (ArchiveResult, error) {
	if s.objects == nil {
		return ArchiveResult{}, errors.New("export: no object storage configured")
	}
	since, until = since.UTC(), until.UTC()
	if !until.After(since) {
		return ArchiveResult{}, ErrEmptyRange
	}

	if err := s.objects.EnsureBucket(ctx); err != nil {
		return ArchiveResult{}, fmt.Errorf("ensure bucket: %w", err)
	}
	key := ArchiveKey(since, until)
	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if exists {
		return ArchiveResult{}, fmt.Errorf("%w: %s", ErrArchiveExists, key)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	rows := 0
	err = s.logs.EachInRange(ctx, since, until, func(entry types.AuditLog) error {
		rows++
		return enc.Encode(entry)
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("read audit logs: %w", err)
	}

	size := int64(buf.Len())
	obj := storage.Object{
		Key:         key,
		Body:        &buf,
		Size:        size,
		ContentType: archiveContentType,
		Metadata: map[string]string{
			"since": since.Format(time.RFC3339),
			"until": until.Format(time.RFC3339),
			"rows":  strconv.Itoa(rows),
		},
	}
	if err := s.objects.Put(ctx, obj); err != nil {
		return ArchiveResult{}, fmt.Errorf("upload %s: %w", key, err)
	}

	s.logger.InfoContext(ctx, "audit logs exported", "bucket", s.objects.Bucket(), "key", key, "rows", rows)
	return ArchiveResult{Bucket: s.objects.Bucket(), Key: key, Rows: rows, Bytes: size}, nil
}

// ArchiveKey names the object holding rows for [since, until).
func ArchiveKey(since, until time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("audit/%s_%s.jsonl", since.UTC().Format(layout), until.UTC().Format(layout))
}
