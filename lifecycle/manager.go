package lifecycle

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"phonica_back/catalog"
	"phonica_back/storage"
)

type Config struct {
	StaleAfter time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{StaleAfter: 21 * 24 * time.Hour}
	if raw := strings.TrimSpace(os.Getenv("AUDIO_STALE_AFTER_DAYS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.StaleAfter = time.Duration(parsed) * 24 * time.Hour
		}
	}
	return cfg
}

// SweepReport summarizes one expiry pass.
type SweepReport struct {
	Scanned     int       `json:"scanned"`
	Purged      int       `json:"purged"`
	FileErrors  int       `json:"file_errors"`
	CompletedAt time.Time `json:"completed_at"`
}

// Manager owns the destructive side of the cache: expired sources are
// purged (file, cache row, source row, versions), and a separate
// non-destructive staleness check lets callers prefer regeneration
// without deleting a still-valid fallback.
type Manager struct {
	store *catalog.Store
	files *storage.AudioStorage
	cfg   Config
}

func NewManager(store *catalog.Store, files *storage.AudioStorage, cfg Config) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 21 * 24 * time.Hour
	}
	return &Manager{store: store, files: files, cfg: cfg}
}

// Sweep purges every source whose cached_until has passed. Native
// sources carry a NULL cached_until and are exempt by construction. A
// purged active version leaves the unit without a preferred source; the
// next resolution with auto-generate repopulates it.
func (m *Manager) Sweep(ctx context.Context) (*SweepReport, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("lifecycle: manager not configured")
	}

	now := time.Now().UTC()
	expired, err := m.store.ExpiredSources(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(expired)}
	for i := range expired {
		source := &expired[i]

		// File first: a source row without a file is repairable by the
		// resolver, a file without a row is an orphan nothing can find.
		if err := m.files.Remove(ctx, source.FileRef); err != nil {
			log.Printf("lifecycle: remove file %s for source %d: %v", source.FileRef, source.ID, err)
			report.FileErrors++
			continue
		}
		if err := m.store.DeleteSource(ctx, source.ID); err != nil {
			log.Printf("lifecycle: purge source %d: %v", source.ID, err)
			continue
		}
		report.Purged++
	}

	report.CompletedAt = time.Now().UTC()
	if report.Purged > 0 || report.FileErrors > 0 {
		log.Printf("lifecycle: sweep purged %d of %d expired sources (%d file errors)", report.Purged, report.Scanned, report.FileErrors)
	}
	return report, nil
}

// Stale reports whether the source's cache entry has aged past the
// configured threshold, even if it has not technically expired yet.
func (m *Manager) Stale(ctx context.Context, source *catalog.AudioSource) bool {
	if m == nil || m.store == nil || source == nil {
		return false
	}
	entry, err := m.store.CacheEntry(ctx, source.ID)
	if err != nil {
		return false
	}
	return time.Since(entry.GeneratedAt) > m.cfg.StaleAfter
}
