package ranking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Thresholds holds the view counts a listing needs to be hot in each age bucket,
// and the multiplier over that threshold that makes it super-hot.
type Thresholds struct {
	Day                int64 `json:"day"`                  // age <= 1 day (default: 20)
	Week               int64 `json:"week"`                 // age <= 7 days (default: 35)
	Month              int64 `json:"month"`                // age <= 30 days (default: 50)
	Older              int64 `json:"older"`                // older than 30 days (default: 100)
	SuperHotMultiplier int64 `json:"super_hot_multiplier"` // default: 2
}

// CalibrationConfig represents the JSON structure of the calibration file.
type CalibrationConfig struct {
	Version    string     `json:"version"`
	Thresholds Thresholds `json:"thresholds"`
}

// DefaultThresholds returns the default hotness thresholds.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		Day:                20,
		Week:               35,
		Month:              50,
		Older:              100,
		SuperHotMultiplier: 2,
	}
}

// LoadCalibration loads hotness thresholds from a JSON calibration file.
// An empty path returns the defaults. On any read or parse error the defaults
// are returned together with the error so callers can keep serving.
// Partial files are merged over the defaults.
func LoadCalibration(filePath string) (*Thresholds, error) {
	if filePath == "" {
		return DefaultThresholds(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultThresholds(), fmt.Errorf("failed to read calibration file: %w", err)
	}

	var config CalibrationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("failed to parse calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultThresholds(), fmt.Errorf("failed to parse calibration file: %w", err)
	}

	defaults := DefaultThresholds()
	merged := MergeCalibration(defaults, &config.Thresholds)
	logCalibrationOverrides(defaults, merged)

	return merged, nil
}

// MergeCalibration returns base with every positive field of override applied.
// Zero and negative overrides are ignored.
func MergeCalibration(base *Thresholds, override *Thresholds) *Thresholds {
	if base == nil {
		return DefaultThresholds()
	}

	result := *base
	if override == nil {
		return &result
	}

	if override.Day > 0 {
		result.Day = override.Day
	}
	if override.Week > 0 {
		result.Week = override.Week
	}
	if override.Month > 0 {
		result.Month = override.Month
	}
	if override.Older > 0 {
		result.Older = override.Older
	}
	if override.SuperHotMultiplier > 0 {
		result.SuperHotMultiplier = override.SuperHotMultiplier
	}

	return &result
}

// logCalibrationOverrides logs which thresholds differ from the defaults.
func logCalibrationOverrides(defaults *Thresholds, loaded *Thresholds) {
	var overrides []string

	add := func(name string, from, to int64) {
		if from != to {
			overrides = append(overrides, fmt.Sprintf("%s: %d -> %d", name, from, to))
		}
	}
	add("thresholds.day", defaults.Day, loaded.Day)
	add("thresholds.week", defaults.Week, loaded.Week)
	add("thresholds.month", defaults.Month, loaded.Month)
	add("thresholds.older", defaults.Older, loaded.Older)
	add("thresholds.super_hot_multiplier", defaults.SuperHotMultiplier, loaded.SuperHotMultiplier)

	if len(overrides) > 0 {
		slog.Info("loaded ranking calibration with overrides",
			"overrides", overrides)
	} else {
		slog.Info("loaded ranking calibration (using all defaults)")
	}
}
