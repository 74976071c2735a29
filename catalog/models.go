package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// Audio quality tiers, best first. The score is used for ordering in
// resolver tie-breaks and coverage reporting.
const (
	TierNative            = "native"
	TierSynthesized       = "synthesized"
	TierGeneratedFallback = "generated-fallback"
)

// TierScore maps a tier to its quality score. Unknown tiers rank last.
func TierScore(tier string) int {
	switch tier {
	case TierNative:
		return 100
	case TierSynthesized:
		return 90
	case TierGeneratedFallback:
		return 80
	default:
		return 0
	}
}

// AudioUnit is the pronunciation target (a phonetic symbol or a vocabulary
// word). Rows are owned by the curriculum/vocabulary subsystem; this core
// only reads them.
type AudioUnit struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UnitKey     string    `gorm:"size:100;not null;uniqueIndex" json:"unit_key"`
	Kind        string    `gorm:"size:16;not null;default:'symbol'" json:"kind"`
	Text        string    `gorm:"size:255;not null" json:"text"`
	ExampleWord *string   `gorm:"size:255" json:"example_word,omitempty"`
	Language    string    `gorm:"size:10;not null;default:'en-US'" json:"language"`
	Category    string    `gorm:"size:50;not null;default:'general';index" json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (AudioUnit) TableName() string {
	return "audio_units"
}

// SpeakText returns the text handed to a synthesis provider for the unit.
// Symbols prefer their example word when one exists.
func (u *AudioUnit) SpeakText() string {
	if u == nil {
		return ""
	}
	if u.ExampleWord != nil && *u.ExampleWord != "" {
		return *u.ExampleWord
	}
	return u.Text
}

// AudioSource is one synthesis (or import) result for a unit. At most one
// row exists per (unit, tier, voice); regeneration replaces it in place.
type AudioSource struct {
	ID              uint64         `gorm:"primaryKey" json:"id"`
	UnitKey         string         `gorm:"size:100;not null;index;uniqueIndex:idx_unit_tier_voice" json:"unit_key"`
	Tier            string         `gorm:"size:32;not null;uniqueIndex:idx_unit_tier_voice" json:"tier"`
	VoiceID         string         `gorm:"size:100;not null;uniqueIndex:idx_unit_tier_voice" json:"voice_id"`
	Language        string         `gorm:"size:10;not null;default:'en-US'" json:"language"`
	FileRef         string         `gorm:"size:500;not null" json:"file_ref"`
	MimeType        string         `gorm:"size:100;not null;default:'audio/mpeg'" json:"mime_type"`
	DurationSeconds float64        `gorm:"not null;default:0" json:"duration_seconds"`
	CachedUntil     *time.Time     `gorm:"index" json:"cached_until,omitempty"`
	Metadata        datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (AudioSource) TableName() string {
	return "audio_sources"
}

// Expired reports whether the source's cache window has passed. Native
// sources carry a NULL cached_until and never expire.
func (s *AudioSource) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.CachedUntil == nil {
		return false
	}
	return s.CachedUntil.Before(now)
}

// AudioVersion is the append-only history of which source was live for a
// unit. Rows are immutable once written except for the is_active flip and
// usage counter.
type AudioVersion struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	UnitKey       string    `gorm:"size:100;not null;index;uniqueIndex:idx_unit_version" json:"unit_key"`
	SourceID      uint64    `gorm:"not null;index" json:"source_id"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_unit_version" json:"version_number"`
	IsActive      bool      `gorm:"not null;default:false;index" json:"is_active"`
	ChangeReason  string    `gorm:"size:255" json:"change_reason,omitempty"`
	UsageCount    uint64    `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (AudioVersion) TableName() string {
	return "audio_versions"
}

// AudioCacheEntry pairs 1:1 with an AudioSource and exists only while the
// backing file is present on durable storage.
type AudioCacheEntry struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	SourceID       uint64    `gorm:"not null;uniqueIndex" json:"source_id"`
	FileSizeBytes  int64     `gorm:"not null;default:0" json:"file_size_bytes"`
	UsageCount     uint64    `gorm:"not null;default:0" json:"usage_count"`
	GeneratedAt    time.Time `gorm:"not null" json:"generated_at"`
	LastAccessedAt time.Time `gorm:"not null" json:"last_accessed_at"`
}

func (AudioCacheEntry) TableName() string {
	return "audio_cache_entries"
}
