package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// Payloads above this size go through the multipart uploader.
const multipartThreshold = 8 * 1024 * 1024

// ArchiverOptions tune CycleArchiver.
type ArchiverOptions struct {
	// Prefix is prepended to every object key, e.g. "clmmbot/".
	Prefix string
	// Prune deletes archived rows from the database once the object is
	// confirmed in the bucket.
	Prune bool
}

// CycleArchiver implements domain.Archiver. It writes cycle history older
// than a cutoff to a JSONL object and optionally prunes it from the store.
type CycleArchiver struct {
	cycles  domain.CycleStore
	writer  domain.BlobWriter
	checker domain.BlobChecker
	audit   domain.AuditStore
	opts    ArchiverOptions
	logger  *slog.Logger
}

// NewCycleArchiver builds an archiver. audit may be nil.
func NewCycleArchiver(cycles domain.CycleStore, writer domain.BlobWriter, checker domain.BlobChecker, audit domain.AuditStore, opts ArchiverOptions, logger *slog.Logger) *CycleArchiver {
	return &CycleArchiver{
		cycles:  cycles,
		writer:  writer,
		checker: checker,
		audit:   audit,
		opts:    opts,
		logger:  logger.With(slog.String("component", "cycle_archiver")),
	}
}

// ArchiveCycles uploads every cycle that started before the cutoff and
// returns how many were archived.
func (a *CycleArchiver) ArchiveCycles(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	reports, err := a.cycles.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles query: %w", err)
	}
	if len(reports) == 0 {
		a.logger.InfoContext(ctx, "nothing to archive", slog.Time("before", before))
		return 0, nil
	}

	buf, err := marshalJSONL(reports)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles marshal: %w", err)
	}

	path := a.archivePath(before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles upload: %w", err)
	}
	count := int64(len(reports))

	var pruned int64
	if a.opts.Prune {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive cycles verify: %w", err)
		}
		if !ok {
			return count, fmt.Errorf("s3blob: archive cycles verify: %s missing after upload", path)
		}
		if pruned, err = a.cycles.DeleteBefore(ctx, before); err != nil {
			return count, fmt.Errorf("s3blob: archive cycles prune: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "cycles archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("pruned", pruned),
		slog.Int("bytes", len(buf)),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.cycles", map[string]any{
			"path":   path,
			"count":  count,
			"pruned": pruned,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive cycles audit log: %w", err)
		}
	}
	return count, nil
}

// archivePath partitions by cutoff month, e.g.
//
//	clmmbot/archive/cycles/2026-09/2026-09-30T000000Z.jsonl
func (a *CycleArchiver) archivePath(before time.Time) string {
	return fmt.Sprintf("%sarchive/cycles/%s/%s.jsonl",
		a.opts.Prefix, before.Format("2006-01"), before.Format("2006-01-02T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
