package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

type memBlob struct {
	objects map[string][]byte
	puts    int
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = body
	m.puts++
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("memblob: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type stubArchiveStore struct {
	terminal []domain.Position
	err      error
}

func (s *stubArchiveStore) FindTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return s.terminal, s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func terminalPosition(id string) domain.Position {
	return domain.Position{
		ID:          id,
		UserAddress: "0xuser",
		TokenSymbol: "ETH",
		Status:      domain.PositionStatusRepaid,
	}
}

func TestArchivePositionsWritesMonthlyJSONL(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	store := &stubArchiveStore{terminal: []domain.Position{
		terminalPosition("p1"),
		terminalPosition("p2"),
	}}
	a := NewArchiver(blob, blob, store, discard())

	cutoff := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body := string(blob.objects["archive/positions/2026-08.jsonl"])
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"p1"`)
	assert.Contains(t, lines[1], `"p2"`)
}

func TestArchivePositionsSecondRunSkipsAlreadyArchived(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	store := &stubArchiveStore{terminal: []domain.Position{terminalPosition("p1")}}
	a := NewArchiver(blob, blob, store, discard())

	cutoff := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Rows are never deleted, so the same position comes back next run.
	n, err = a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n, "a position already in the month's file must not be written twice")
	assert.Equal(t, 1, blob.puts, "a run with nothing new must not rewrite the object")
}

func TestArchivePositionsAppendsKeepingEarlierRecords(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	store := &stubArchiveStore{terminal: []domain.Position{terminalPosition("p1")}}
	a := NewArchiver(blob, blob, store, discard())

	cutoff := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	_, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)

	store.terminal = append(store.terminal, terminalPosition("p3"))
	n, err := a.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	body := string(blob.objects["archive/positions/2026-08.jsonl"])
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"p1"`)
	assert.Contains(t, lines[1], `"p3"`)
}

func TestArchivePositionsEmptyBookIsNoop(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	a := NewArchiver(blob, blob, &stubArchiveStore{}, discard())

	n, err := a.ArchivePositions(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)
}
