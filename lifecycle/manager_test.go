package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"phonica_back/catalog"
	"phonica_back/storage"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *catalog.Store, *storage.AudioStorage) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := catalog.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	files, err := storage.NewLocalAudioStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return NewManager(store, files, cfg), store, files
}

func seedSource(t *testing.T, store *catalog.Store, files *storage.AudioStorage, unitKey, tier string, cachedUntil *time.Time) *catalog.AudioSource {
	t.Helper()
	ctx := context.Background()
	objectName := storage.GeneratedObjectName(unitKey, tier, "us-female-1", "mp3")
	if _, err := files.Save(ctx, objectName, []byte("audio"), "audio/mpeg"); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	source := &catalog.AudioSource{
		UnitKey:     unitKey,
		Tier:        tier,
		VoiceID:     "us-female-1",
		Language:    "en-US",
		FileRef:     objectName,
		MimeType:    "audio/mpeg",
		CachedUntil: cachedUntil,
	}
	if err := store.UpsertSource(ctx, source); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if err := store.UpsertCacheEntry(ctx, &catalog.AudioCacheEntry{SourceID: source.ID, FileSizeBytes: 5}); err != nil {
		t.Fatalf("seed cache entry: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, unitKey, source.ID, "seed"); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	return source
}

func TestSweepPurgesExpiredOnly(t *testing.T) {
	manager, store, files := newTestManager(t, Config{StaleAfter: 21 * 24 * time.Hour})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	futureTS := time.Now().UTC().Add(time.Hour)
	expired := seedSource(t, store, files, "expired-unit", catalog.TierSynthesized, &past)
	fresh := seedSource(t, store, files, "fresh-unit", catalog.TierSynthesized, &futureTS)
	nativeSource := seedSource(t, store, files, "native-unit", catalog.TierNative, nil)

	report, err := manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 1 || report.Purged != 1 || report.FileErrors != 0 {
		t.Fatalf("report = %+v, want 1 scanned / 1 purged", report)
	}

	if _, err := store.SourceByID(ctx, expired.ID); err != catalog.ErrSourceNotFound {
		t.Fatalf("expired source lookup = %v, want ErrSourceNotFound", err)
	}
	if files.Exists(ctx, expired.FileRef) {
		t.Fatal("expired file must be removed")
	}
	if _, err := store.SourceByID(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh source must survive: %v", err)
	}
	if _, err := store.SourceByID(ctx, nativeSource.ID); err != nil {
		t.Fatalf("native source must survive: %v", err)
	}
	if !files.Exists(ctx, nativeSource.FileRef) {
		t.Fatal("native file must survive")
	}
}

func TestSweepWithNothingExpired(t *testing.T) {
	manager, store, files := newTestManager(t, Config{})
	futureTS := time.Now().UTC().Add(time.Hour)
	seedSource(t, store, files, "fresh-unit", catalog.TierSynthesized, &futureTS)

	report, err := manager.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 0 || report.Purged != 0 {
		t.Fatalf("report = %+v, want empty sweep", report)
	}
}

func TestStaleThreshold(t *testing.T) {
	manager, store, files := newTestManager(t, Config{StaleAfter: time.Hour})
	ctx := context.Background()

	futureTS := time.Now().UTC().Add(24 * time.Hour)
	source := seedSource(t, store, files, "aging-unit", catalog.TierSynthesized, &futureTS)

	if manager.Stale(ctx, source) {
		t.Fatal("freshly generated source must not be stale")
	}

	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := store.UpsertCacheEntry(ctx, &catalog.AudioCacheEntry{
		SourceID:       source.ID,
		FileSizeBytes:  5,
		GeneratedAt:    old,
		LastAccessedAt: old,
	}); err != nil {
		t.Fatalf("age cache entry: %v", err)
	}

	if !manager.Stale(ctx, source) {
		t.Fatal("source older than the threshold must be stale")
	}
}
