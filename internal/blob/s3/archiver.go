package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// PositionArchiveStore is the slice of the position store the archiver
// needs: time-ranged reads over terminal positions.
type PositionArchiveStore interface {
	FindTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// ArchiveImpl implements domain.Archiver. Each run merges into the cutoff
// month's JSONL object: the existing file is fetched, positions already
// present are skipped, and the combined file is uploaded. Runs are
// idempotent per position.
//
// Deletion of archived records from the primary store is intentionally NOT
// performed here; that is a separate, explicit step executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions PositionArchiveStore
	logger    *slog.Logger
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, positions PositionArchiveStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		positions: positions,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePositions queries positions that reached a terminal state before
// the cutoff and appends the ones not yet archived to
// archive/positions/YYYY-MM.jsonl. It returns the number of records newly
// written.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.FindTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	path := archivePath("positions", before)
	existing, archived, err := a.loadExisting(ctx, path)
	if err != nil {
		return 0, err
	}

	fresh := positions[:0:0]
	for _, pos := range positions {
		if !archived[pos.ID] {
			fresh = append(fresh, pos)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	lines, err := marshalJSONL(fresh)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}
	combined := append(existing, lines...)

	if err := a.writer.Put(ctx, path, bytes.NewReader(combined), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	a.logger.Info("positions archived",
		slog.String("path", path),
		slog.Int("count", len(fresh)),
		slog.Int("already_archived", len(positions)-len(fresh)),
	)
	return int64(len(fresh)), nil
}

// loadExisting fetches the month's current archive object and indexes the
// position IDs it already holds. A missing object is an empty archive.
func (a *ArchiveImpl) loadExisting(ctx context.Context, path string) ([]byte, map[string]bool, error) {
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, map[string]bool{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive read back: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive read back: %w", err)
	}

	archived := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec struct{ ID string }
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.ID == "" {
			// A mangled line cannot be deduplicated against; keep it as
			// raw bytes and move on.
			continue
		}
		archived[rec.ID] = true
	}
	return data, archived, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is one compact JSON line.
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
