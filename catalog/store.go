package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUnitNotFound   = errors.New("catalog: audio unit not found")
	ErrSourceNotFound = errors.New("catalog: audio source not found")
)

// Store is the persistence contract for audio sources, versions and cache
// metadata. It enforces the structural invariants (one active version per
// unit, monotonic version numbers, replace-in-place source keys) and holds
// no synthesis logic.
type Store struct {
	db *gorm.DB
}

func OpenStoreFromEnv() (*Store, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	store := NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	if s == nil || s.db == nil {
		return errors.New("catalog: store not configured")
	}
	return s.db.AutoMigrate(&AudioUnit{}, &AudioSource{}, &AudioVersion{}, &AudioCacheEntry{})
}

func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) UnitByKey(ctx context.Context, unitKey string) (*AudioUnit, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var unit AudioUnit
	if err := s.db.WithContext(ctx).Where("unit_key = ?", unitKey).First(&unit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("catalog: load unit %q: %w", unitKey, err)
	}
	return &unit, nil
}

func (s *Store) SourceByID(ctx context.Context, id uint64) (*AudioSource, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var source AudioSource
	if err := s.db.WithContext(ctx).First(&source, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("catalog: load source %d: %w", id, err)
	}
	return &source, nil
}

func (s *Store) SourceByKey(ctx context.Context, unitKey, tier, voiceID string) (*AudioSource, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var source AudioSource
	err := s.db.WithContext(ctx).
		Where("unit_key = ? AND tier = ? AND voice_id = ?", unitKey, tier, voiceID).
		First(&source).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("catalog: load source %s/%s/%s: %w", unitKey, tier, voiceID, err)
	}
	return &source, nil
}

// UpsertSource writes a source record keyed on (unit, tier, voice). An
// existing row for the same key is replaced in place, keeping its ID so
// that versions pointing at it remain valid.
func (s *Store) UpsertSource(ctx context.Context, source *AudioSource) error {
	if s == nil || s.db == nil {
		return errors.New("catalog: store not configured")
	}
	if source == nil {
		return errors.New("catalog: source is required")
	}

	var existing AudioSource
	err := s.db.WithContext(ctx).
		Where("unit_key = ? AND tier = ? AND voice_id = ?", source.UnitKey, source.Tier, source.VoiceID).
		First(&existing).Error
	switch {
	case err == nil:
		source.ID = existing.ID
		source.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(source).Error; err != nil {
			return fmt.Errorf("catalog: update source: %w", err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(source).Error; err != nil {
			return fmt.Errorf("catalog: create source: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("catalog: upsert source: %w", err)
	}
}

// UpsertCacheEntry creates or refreshes the 1:1 cache row for a source.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry *AudioCacheEntry) error {
	if s == nil || s.db == nil {
		return errors.New("catalog: store not configured")
	}
	if entry == nil {
		return errors.New("catalog: cache entry is required")
	}
	if entry.GeneratedAt.IsZero() {
		entry.GeneratedAt = time.Now().UTC()
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = entry.GeneratedAt
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_size_bytes", "usage_count", "generated_at", "last_accessed_at",
		}),
	}).Create(entry).Error
}

func (s *Store) CacheEntry(ctx context.Context, sourceID uint64) (*AudioCacheEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var entry AudioCacheEntry
	if err := s.db.WithContext(ctx).Where("source_id = ?", sourceID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("catalog: load cache entry %d: %w", sourceID, err)
	}
	return &entry, nil
}

// ActivateVersion appends a new version for the unit pointing at the given
// source and flips it active. The prior active version is deactivated in
// the same transaction, so observers never see zero or two active rows.
func (s *Store) ActivateVersion(ctx context.Context, unitKey string, sourceID uint64, changeReason string) (*AudioVersion, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}

	var created AudioVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		row := tx.Model(&AudioVersion{}).
			Where("unit_key = ?", unitKey).
			Select("COALESCE(MAX(version_number), 0)").
			Row()
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("catalog: read version counter: %w", err)
		}

		if err := tx.Model(&AudioVersion{}).
			Where("unit_key = ? AND is_active = ?", unitKey, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("catalog: deactivate prior version: %w", err)
		}

		created = AudioVersion{
			UnitKey:       unitKey,
			SourceID:      sourceID,
			VersionNumber: maxVersion + 1,
			IsActive:      true,
			ChangeReason:  changeReason,
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("catalog: create version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) ActiveVersion(ctx context.Context, unitKey string) (*AudioVersion, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var version AudioVersion
	err := s.db.WithContext(ctx).
		Where("unit_key = ? AND is_active = ?", unitKey, true).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("catalog: load active version for %q: %w", unitKey, err)
	}
	return &version, nil
}

func (s *Store) VersionsForUnit(ctx context.Context, unitKey string) ([]AudioVersion, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var versions []AudioVersion
	err := s.db.WithContext(ctx).
		Where("unit_key = ?", unitKey).
		Order("version_number ASC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list versions for %q: %w", unitKey, err)
	}
	return versions, nil
}

// TouchUsage records a resolved read: cache usage counter, last access
// time and the active version's usage counter. Increments are best-effort
// column expressions; exact linearity under concurrency is not required.
func (s *Store) TouchUsage(ctx context.Context, sourceID uint64) error {
	if s == nil || s.db == nil {
		return errors.New("catalog: store not configured")
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&AudioCacheEntry{}).
		Where("source_id = ?", sourceID).
		Updates(map[string]any{
			"usage_count":      gorm.Expr("usage_count + 1"),
			"last_accessed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("catalog: touch cache usage: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&AudioVersion{}).
		Where("source_id = ? AND is_active = ?", sourceID, true).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error; err != nil {
		return fmt.Errorf("catalog: touch version usage: %w", err)
	}
	return nil
}

// qualityOrder sorts sources best tier first; within a tier the most
// recently updated row wins the tie-break. The CASE scores come from
// TierScore so SQL ordering and in-process ranking cannot drift apart.
var qualityOrder = fmt.Sprintf(
	"CASE tier WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE 0 END DESC, updated_at DESC",
	TierNative, TierScore(TierNative),
	TierSynthesized, TierScore(TierSynthesized),
	TierGeneratedFallback, TierScore(TierGeneratedFallback),
)

// SourcesForUnit lists all sources for a unit ordered by quality.
func (s *Store) SourcesForUnit(ctx context.Context, unitKey string) ([]AudioSource, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var sources []AudioSource
	err := s.db.WithContext(ctx).
		Where("unit_key = ?", unitKey).
		Order(qualityOrder).
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list sources for %q: %w", unitKey, err)
	}
	return sources, nil
}

// PreferredSource returns the unit's playable source: the active version's
// source when present and unexpired, otherwise the best-quality unexpired
// source. The second return is false when nothing playable exists.
func (s *Store) PreferredSource(ctx context.Context, unitKey string, now time.Time) (*AudioSource, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("catalog: store not configured")
	}

	if version, err := s.ActiveVersion(ctx, unitKey); err == nil {
		source, err := s.SourceByID(ctx, version.SourceID)
		if err == nil && !source.Expired(now) {
			return source, true, nil
		}
		if err != nil && !errors.Is(err, ErrSourceNotFound) {
			return nil, false, err
		}
	} else if !errors.Is(err, ErrSourceNotFound) {
		return nil, false, err
	}

	sources, err := s.SourcesForUnit(ctx, unitKey)
	if err != nil {
		return nil, false, err
	}
	for i := range sources {
		if !sources[i].Expired(now) {
			return &sources[i], true, nil
		}
	}
	return nil, false, nil
}

// UnitsMissingAudio lists units that have no source row at all.
func (s *Store) UnitsMissingAudio(ctx context.Context) ([]AudioUnit, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var units []AudioUnit
	err := s.db.WithContext(ctx).
		Where("unit_key NOT IN (?)", s.db.Model(&AudioSource{}).Select("unit_key")).
		Order("unit_key ASC").
		Find(&units).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list units missing audio: %w", err)
	}
	return units, nil
}

// ExpiredSources lists sources whose cache window has passed. Native
// sources never appear here because their cached_until is NULL.
func (s *Store) ExpiredSources(ctx context.Context, now time.Time) ([]AudioSource, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	var sources []AudioSource
	err := s.db.WithContext(ctx).
		Where("cached_until IS NOT NULL AND cached_until < ?", now).
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: list expired sources: %w", err)
	}
	return sources, nil
}

// DeleteSource purges a source together with its cache entry and version
// history in one transaction. The caller removes the backing file first.
func (s *Store) DeleteSource(ctx context.Context, sourceID uint64) error {
	if s == nil || s.db == nil {
		return errors.New("catalog: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ?", sourceID).Delete(&AudioCacheEntry{}).Error; err != nil {
			return fmt.Errorf("catalog: delete cache entry: %w", err)
		}
		if err := tx.Where("source_id = ?", sourceID).Delete(&AudioVersion{}).Error; err != nil {
			return fmt.Errorf("catalog: delete versions: %w", err)
		}
		if err := tx.Delete(&AudioSource{}, sourceID).Error; err != nil {
			return fmt.Errorf("catalog: delete source: %w", err)
		}
		return nil
	})
}
