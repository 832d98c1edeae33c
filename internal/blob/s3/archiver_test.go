package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

type memCycles struct {
	reports []domain.CycleReport
	deleted time.Time
}

func (m *memCycles) Insert(_ context.Context, r domain.CycleReport) error {
	m.reports = append(m.reports, r)
	return nil
}

func (m *memCycles) ListRecent(context.Context, string, domain.ListOpts) ([]domain.CycleReport, error) {
	return m.reports, nil
}

func (m *memCycles) ListBefore(_ context.Context, before time.Time) ([]domain.CycleReport, error) {
	var out []domain.CycleReport
	for _, r := range m.reports {
		if r.StartedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memCycles) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.deleted = before
	var keep []domain.CycleReport
	var n int64
	for _, r := range m.reports {
		if r.StartedAt.Before(before) {
			n++
			continue
		}
		keep = append(keep, r)
	}
	m.reports = keep
	return n, nil
}

type memBucket struct {
	objects map[string][]byte
	putErr  error
}

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func seedCycles() *memCycles {
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	m := &memCycles{}
	for i := range 5 {
		m.reports = append(m.reports, domain.CycleReport{
			ID:        string(rune('a' + i)),
			PoolID:    "pool-1",
			StartedAt: base.Add(time.Duration(i) * 24 * time.Hour),
			Outcome:   domain.OutcomeInRange,
		})
	}
	return m
}

func TestArchiveCycles(t *testing.T) {
	cycles := seedCycles()
	bucket := &memBucket{objects: map[string][]byte{}}
	audit := &memAudit{}
	a := NewCycleArchiver(cycles, bucket, bucket, audit, ArchiverOptions{Prefix: "bot/", Prune: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	cutoff := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveCycles(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	raw, ok := bucket.objects["bot/archive/cycles/2026-09/2026-09-04T000000Z.jsonl"]
	require.True(t, ok, "object keys: %v", bucket.objects)

	var lines int
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var r domain.CycleReport
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		assert.True(t, r.StartedAt.Before(cutoff))
		lines++
	}
	assert.Equal(t, 3, lines)

	assert.Len(t, cycles.reports, 2, "archived rows are pruned")
	assert.Equal(t, []string{"archive.cycles"}, audit.events)

	n, err = a.ArchiveCycles(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveCyclesKeepsRowsWithoutPrune(t *testing.T) {
	cycles := seedCycles()
	bucket := &memBucket{objects: map[string][]byte{}}
	a := NewCycleArchiver(cycles, bucket, bucket, nil, ArchiverOptions{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveCycles(context.Background(), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Len(t, cycles.reports, 5)
	assert.True(t, cycles.deleted.IsZero())
}

func TestArchiveCyclesUploadFailureKeepsRows(t *testing.T) {
	cycles := seedCycles()
	bucket := &memBucket{objects: map[string][]byte{}, putErr: errors.New("denied")}
	a := NewCycleArchiver(cycles, bucket, bucket, nil, ArchiverOptions{Prune: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := a.ArchiveCycles(context.Background(), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Len(t, cycles.reports, 5)
}
