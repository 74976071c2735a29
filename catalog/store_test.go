package catalog

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedUnit(t *testing.T, store *Store, unitKey, category string) {
	t.Helper()
	unit := &AudioUnit{
		UnitKey:  unitKey,
		Kind:     "symbol",
		Text:     unitKey,
		Language: "en-US",
		Category: category,
	}
	if err := store.DB().Create(unit).Error; err != nil {
		t.Fatalf("seed unit %s: %v", unitKey, err)
	}
}

func seedSource(t *testing.T, store *Store, unitKey, tier, voiceID string, cachedUntil *time.Time) *AudioSource {
	t.Helper()
	source := &AudioSource{
		UnitKey:     unitKey,
		Tier:        tier,
		VoiceID:     voiceID,
		Language:    "en-US",
		FileRef:     fmt.Sprintf("generated/%s/%s-%s.mp3", unitKey, tier, voiceID),
		MimeType:    "audio/mpeg",
		CachedUntil: cachedUntil,
	}
	if err := store.UpsertSource(context.Background(), source); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return source
}

func future(d time.Duration) *time.Time {
	ts := time.Now().UTC().Add(d)
	return &ts
}

func TestActivateVersionMonotonicSingleActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "th", "consonant")
	source := seedSource(t, store, "th", TierSynthesized, "us-female-1", future(time.Hour))

	for want := 1; want <= 3; want++ {
		version, err := store.ActivateVersion(ctx, "th", source.ID, "regenerated")
		if err != nil {
			t.Fatalf("activate version %d: %v", want, err)
		}
		if version.VersionNumber != want {
			t.Fatalf("version number = %d, want %d", version.VersionNumber, want)
		}
		if !version.IsActive {
			t.Fatalf("new version %d is not active", want)
		}
	}

	versions, err := store.VersionsForUnit(ctx, "th")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	active := 0
	for _, version := range versions {
		if version.IsActive {
			active++
			if version.VersionNumber != 3 {
				t.Fatalf("active version = %d, want 3", version.VersionNumber)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active versions = %d, want exactly 1", active)
	}
}

func TestUpsertSourceReplacesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "sh", "consonant")

	first := seedSource(t, store, "sh", TierSynthesized, "us-female-1", future(time.Hour))
	replacement := &AudioSource{
		UnitKey:     "sh",
		Tier:        TierSynthesized,
		VoiceID:     "us-female-1",
		Language:    "en-US",
		FileRef:     first.FileRef,
		MimeType:    "audio/mpeg",
		CachedUntil: future(2 * time.Hour),
	}
	if err := store.UpsertSource(ctx, replacement); err != nil {
		t.Fatalf("replace source: %v", err)
	}
	if replacement.ID != first.ID {
		t.Fatalf("replacement got new ID %d, want %d", replacement.ID, first.ID)
	}

	var count int64
	store.DB().Model(&AudioSource{}).Where("unit_key = ?", "sh").Count(&count)
	if count != 1 {
		t.Fatalf("source rows = %d, want 1", count)
	}
}

func TestPreferredSourceQualityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "ae", "vowel")

	seedSource(t, store, "ae", TierGeneratedFallback, "tone", future(time.Hour))
	seedSource(t, store, "ae", TierSynthesized, "us-female-1", future(time.Hour))
	nativeSource := seedSource(t, store, "ae", TierNative, "native", nil)

	source, ok, err := store.PreferredSource(ctx, "ae", time.Now().UTC())
	if err != nil {
		t.Fatalf("preferred source: %v", err)
	}
	if !ok {
		t.Fatal("expected a preferred source")
	}
	if source.ID != nativeSource.ID {
		t.Fatalf("preferred tier = %s, want native", source.Tier)
	}
}

func TestQualityOrderDerivedFromTierScore(t *testing.T) {
	for _, tier := range []string{TierNative, TierSynthesized, TierGeneratedFallback} {
		clause := fmt.Sprintf("WHEN '%s' THEN %d", tier, TierScore(tier))
		if !strings.Contains(qualityOrder, clause) {
			t.Fatalf("qualityOrder %q missing %q", qualityOrder, clause)
		}
	}
	if !(TierScore(TierNative) > TierScore(TierSynthesized) && TierScore(TierSynthesized) > TierScore(TierGeneratedFallback)) {
		t.Fatalf("tier scores out of order: native=%d synthesized=%d fallback=%d",
			TierScore(TierNative), TierScore(TierSynthesized), TierScore(TierGeneratedFallback))
	}
	if TierScore("bogus") != 0 {
		t.Fatalf("unknown tier score = %d, want 0", TierScore("bogus"))
	}
}

func TestPreferredSourceFollowsActiveVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "ng", "consonant")

	seedSource(t, store, "ng", TierNative, "native", nil)
	synthSource := seedSource(t, store, "ng", TierSynthesized, "us-female-1", future(time.Hour))
	if _, err := store.ActivateVersion(ctx, "ng", synthSource.ID, "pinned"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	source, ok, err := store.PreferredSource(ctx, "ng", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("preferred source: ok=%v err=%v", ok, err)
	}
	if source.ID != synthSource.ID {
		t.Fatalf("preferred source = %d, want active version's source %d", source.ID, synthSource.ID)
	}
}

func TestPreferredSourceSkipsExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "uh", "vowel")

	expired := seedSource(t, store, "uh", TierSynthesized, "us-female-1", future(-time.Hour))
	if _, err := store.ActivateVersion(ctx, "uh", expired.ID, "generated"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	_, ok, err := store.PreferredSource(ctx, "uh", time.Now().UTC())
	if err != nil {
		t.Fatalf("preferred source: %v", err)
	}
	if ok {
		t.Fatal("expired source must not resolve")
	}
}

func TestExpiredSourcesExemptsNative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "ey", "vowel")

	seedSource(t, store, "ey", TierNative, "native", nil)
	expired := seedSource(t, store, "ey", TierSynthesized, "us-female-1", future(-time.Minute))
	seedSource(t, store, "ey", TierGeneratedFallback, "tone", future(time.Hour))

	sources, err := store.ExpiredSources(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expired sources: %v", err)
	}
	if len(sources) != 1 || sources[0].ID != expired.ID {
		t.Fatalf("expired sources = %v, want only the synthesized one", sources)
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "ow", "vowel")

	source := seedSource(t, store, "ow", TierSynthesized, "us-female-1", future(time.Hour))
	if err := store.UpsertCacheEntry(ctx, &AudioCacheEntry{SourceID: source.ID, FileSizeBytes: 123}); err != nil {
		t.Fatalf("cache entry: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, "ow", source.ID, "generated"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := store.DeleteSource(ctx, source.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}

	if _, err := store.SourceByID(ctx, source.ID); err != ErrSourceNotFound {
		t.Fatalf("source lookup after delete = %v, want ErrSourceNotFound", err)
	}
	if _, err := store.CacheEntry(ctx, source.ID); err != ErrSourceNotFound {
		t.Fatalf("cache lookup after delete = %v, want ErrSourceNotFound", err)
	}
	versions, err := store.VersionsForUnit(ctx, "ow")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("versions after delete = %d, want 0", len(versions))
	}
}

func TestTouchUsageIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "iy", "vowel")

	source := seedSource(t, store, "iy", TierSynthesized, "us-female-1", future(time.Hour))
	if err := store.UpsertCacheEntry(ctx, &AudioCacheEntry{SourceID: source.ID}); err != nil {
		t.Fatalf("cache entry: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, "iy", source.ID, "generated"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.TouchUsage(ctx, source.ID); err != nil {
			t.Fatalf("touch usage: %v", err)
		}
	}

	entry, err := store.CacheEntry(ctx, source.ID)
	if err != nil {
		t.Fatalf("cache entry: %v", err)
	}
	if entry.UsageCount != 3 {
		t.Fatalf("cache usage = %d, want 3", entry.UsageCount)
	}
	version, err := store.ActiveVersion(ctx, "iy")
	if err != nil {
		t.Fatalf("active version: %v", err)
	}
	if version.UsageCount != 3 {
		t.Fatalf("version usage = %d, want 3", version.UsageCount)
	}
}

func TestUnitsMissingAudio(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "with-audio", "word")
	seedUnit(t, store, "without-audio", "word")
	seedSource(t, store, "with-audio", TierSynthesized, "us-female-1", future(time.Hour))

	units, err := store.UnitsMissingAudio(ctx)
	if err != nil {
		t.Fatalf("units missing audio: %v", err)
	}
	if len(units) != 1 || units[0].UnitKey != "without-audio" {
		t.Fatalf("missing units = %v, want only without-audio", units)
	}
}

func TestCoverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUnit(t, store, "a", "vowel")
	seedUnit(t, store, "b", "consonant")
	seedUnit(t, store, "c", "consonant")
	seedSource(t, store, "a", TierNative, "native", nil)
	seedSource(t, store, "b", TierSynthesized, "us-female-1", future(time.Hour))

	stats, err := store.Coverage(ctx)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if stats.TotalUnits != 3 || stats.UnitsWithAudio != 2 || stats.UnitsWithNative != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.CountsByTier[TierNative] != 1 || stats.CountsByTier[TierSynthesized] != 1 {
		t.Fatalf("tier counts = %v", stats.CountsByTier)
	}
	consonants := stats.CountsByCategory["consonant"]
	if consonants.TotalUnits != 2 || consonants.UnitsWithAudio != 1 {
		t.Fatalf("consonant coverage = %+v", consonants)
	}
	if stats.CoveragePercent < 66 || stats.CoveragePercent > 67 {
		t.Fatalf("coverage percent = %f", stats.CoveragePercent)
	}
}
