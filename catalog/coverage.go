package catalog

import (
	"context"
	"errors"
	"fmt"
)

// CoverageStats aggregates catalog state for reporting. It is computed by
// read-only queries and carries no side effects.
type CoverageStats struct {
	TotalUnits       int64                       `json:"total_units"`
	UnitsWithAudio   int64                       `json:"units_with_audio"`
	UnitsWithNative  int64                       `json:"units_with_native"`
	CoveragePercent  float64                     `json:"coverage_percent"`
	NativePercent    float64                     `json:"native_percent"`
	CountsByTier     map[string]int64            `json:"counts_by_tier"`
	CountsByCategory map[string]CategoryCoverage `json:"counts_by_category"`
}

type CategoryCoverage struct {
	TotalUnits     int64 `json:"total_units"`
	UnitsWithAudio int64 `json:"units_with_audio"`
}

// Coverage computes audio coverage across all units.
func (s *Store) Coverage(ctx context.Context) (*CoverageStats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: store not configured")
	}
	db := s.db.WithContext(ctx)

	stats := &CoverageStats{
		CountsByTier:     make(map[string]int64),
		CountsByCategory: make(map[string]CategoryCoverage),
	}

	if err := db.Model(&AudioUnit{}).Count(&stats.TotalUnits).Error; err != nil {
		return nil, fmt.Errorf("catalog: count units: %w", err)
	}

	if err := db.Model(&AudioSource{}).
		Distinct("unit_key").
		Count(&stats.UnitsWithAudio).Error; err != nil {
		return nil, fmt.Errorf("catalog: count units with audio: %w", err)
	}

	if err := db.Model(&AudioSource{}).
		Where("tier = ?", TierNative).
		Distinct("unit_key").
		Count(&stats.UnitsWithNative).Error; err != nil {
		return nil, fmt.Errorf("catalog: count native units: %w", err)
	}

	var tierRows []struct {
		Tier  string
		Count int64
	}
	if err := db.Model(&AudioSource{}).
		Select("tier, COUNT(*) AS count").
		Group("tier").
		Scan(&tierRows).Error; err != nil {
		return nil, fmt.Errorf("catalog: count sources by tier: %w", err)
	}
	for _, row := range tierRows {
		stats.CountsByTier[row.Tier] = row.Count
	}

	var categoryRows []struct {
		Category string
		Total    int64
		Covered  int64
	}
	err := db.Model(&AudioUnit{}).
		Select("audio_units.category AS category, COUNT(*) AS total, COUNT(DISTINCT audio_sources.unit_key) AS covered").
		Joins("LEFT JOIN audio_sources ON audio_sources.unit_key = audio_units.unit_key").
		Group("audio_units.category").
		Scan(&categoryRows).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: count coverage by category: %w", err)
	}
	for _, row := range categoryRows {
		stats.CountsByCategory[row.Category] = CategoryCoverage{
			TotalUnits:     row.Total,
			UnitsWithAudio: row.Covered,
		}
	}

	if stats.TotalUnits > 0 {
		stats.CoveragePercent = float64(stats.UnitsWithAudio) / float64(stats.TotalUnits) * 100
		stats.NativePercent = float64(stats.UnitsWithNative) / float64(stats.TotalUnits) * 100
	}
	return stats, nil
}
