package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediaflow/app/config"
	"mediaflow/app/database"
	"mediaflow/app/dedup"
	"mediaflow/app/logger"
	"mediaflow/app/model"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	rec   *Reconciler
	store *database.MediaStore
	cfg   *config.Config
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	dataDir := t.TempDir()
	log := logger.NewNop()

	cfg := &config.Config{
		Storage:    config.StorageConfig{DataDir: dataDir},
		Reconciler: config.ReconcilerConfig{Enabled: true, StartupDelay: time.Hour, Schedule: "@every 1h"},
	}

	db, err := database.Open(cfg.DatabasePath(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store := database.NewMediaStore(db)
	hasher, err := dedup.NewHasher("sha256")
	require.NoError(t, err)
	index := dedup.NewIndex(store, time.Minute, log)

	return &reconcilerFixture{
		rec:   NewReconciler(cfg, store, index, hasher, log),
		store: store,
		cfg:   cfg,
	}
}

func (f *reconcilerFixture) writeItem(t *testing.T, id, name, content string) string {
	t.Helper()
	dir := filepath.Join(f.cfg.MediaRoot(), id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestReconciler_RepairsMissingRecord(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	source := f.writeItem(t, "m1", "source.mp4", "orphaned-bytes")

	report, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Repaired)

	rec, err := f.store.GetMediaByID(ctx, "m1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ContentHash)
	assert.Equal(t, source, rec.StoragePath)
	assert.Equal(t, int64(len("orphaned-bytes")), rec.SizeBytes)
}

func TestReconciler_SecondSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.writeItem(t, "m1", "source.mp4", "first")
	f.writeItem(t, "m2", "source.mkv", "second")
	f.writeItem(t, "m3", "source.mp4.part", "partial")

	// m2 已有记录但缺少大小
	require.NoError(t, f.store.SaveOrUpdateMedia(ctx, &model.MediaRecord{ID: "m2", ContentHash: "stale", DisplayName: "keep-me"}))

	first, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Scanned)
	assert.Equal(t, 1, first.Repaired)
	assert.Equal(t, 1, first.Conflicts)
	assert.Equal(t, 1, first.Skipped)

	before, _, err := f.store.ListMedia(ctx, 0, 0)
	require.NoError(t, err)

	second, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Repaired)
	assert.Equal(t, 1, second.Unchanged)

	after, _, err := f.store.ListMedia(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].ContentHash, after[i].ContentHash)
		assert.Equal(t, before[i].SizeBytes, after[i].SizeBytes)
		assert.True(t, before[i].UpdatedAt.Equal(after[i].UpdatedAt))
	}

	m2, err := f.store.GetMediaByID(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "stale", m2.ContentHash)
	assert.Equal(t, "keep-me", m2.DisplayName)
	assert.Equal(t, f.rec.LastReport(), second)
}

func TestReconciler_DuplicateContentOnDiskIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.writeItem(t, "a", "source.mp4", "same")
	f.writeItem(t, "b", "source.mp4", "same")

	report, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, report.Conflicts)

	_, total, err := f.store.ListMedia(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestReconciler_SkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.writeItem(t, "m1", "source.mp4", "bytes")

	other := flock.New(filepath.Join(f.cfg.Storage.DataDir, "reconcile.lock"))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = f.rec.RunSweep(ctx)
	assert.ErrorIs(t, err, ErrSweepRunning)

	require.NoError(t, other.Unlock())
	report, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
}

func TestReconciler_IgnoresDirectoryBeingDeleted(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.writeItem(t, "m1"+model.DeletingSuffix, "source.mp4", "deleted-bytes")

	report, err := f.rec.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 0, report.Repaired)

	_, total, err := f.store.ListMedia(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReconciler_MissingMediaDir(t *testing.T) {
	f := newReconcilerFixture(t)
	report, err := f.rec.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func TestReconciler_StartStop(t *testing.T) {
	f := newReconcilerFixture(t)
	require.NoError(t, f.rec.Start())
	f.rec.Stop()
}
