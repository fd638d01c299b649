package ranking

import (
	"time"

	"github.com/onnwee/autofeed/internal/listing"
)

// Tier is a popularity bucket. Larger values rank first in the hot feed.
type Tier int

// Popularity tiers.
const (
	TierNormal   Tier = 0
	TierHot      Tier = 1
	TierSuperHot Tier = 2
)

// String returns the wire name of the tier.
func (t Tier) String() string {
	switch t {
	case TierSuperHot:
		return "super-hot"
	case TierHot:
		return "hot"
	default:
		return "normal"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Age bucket upper bounds (inclusive).
const (
	FreshAge  = 24 * time.Hour
	WeekAge   = 7 * 24 * time.Hour
	MonthAge  = 30 * 24 * time.Hour
	hoursADay = 24.0
)

// ListingAge returns how old l is at now. Creation times in the future (clock
// skew between writers) are clamped to zero; skewed reports when that happened.
func ListingAge(l *listing.Listing, now time.Time) (age time.Duration, skewed bool) {
	age = now.Sub(l.CreatedAt)
	if age < 0 {
		return 0, true
	}
	return age, false
}

// AgeDays is ListingAge expressed in fractional days.
func AgeDays(l *listing.Listing, now time.Time) float64 {
	age, _ := ListingAge(l, now)
	return age.Hours() / hoursADay
}

// ViewThreshold returns the view count a listing of the given age needs to be hot.
func ViewThreshold(age time.Duration, t *Thresholds) int64 {
	if t == nil {
		t = DefaultThresholds()
	}
	switch {
	case age <= FreshAge:
		return t.Day
	case age <= WeekAge:
		return t.Week
	case age <= MonthAge:
		return t.Month
	default:
		return t.Older
	}
}

// ClassifyWithThresholds maps l to a tier at now using the given thresholds.
// A nil t uses DefaultThresholds.
func ClassifyWithThresholds(l *listing.Listing, now time.Time, t *Thresholds) Tier {
	if t == nil {
		t = DefaultThresholds()
	}
	age, _ := ListingAge(l, now)
	threshold := ViewThreshold(age, t)

	switch {
	case l.ViewsCount >= threshold*t.SuperHotMultiplier:
		return TierSuperHot
	case l.ViewsCount >= threshold:
		return TierHot
	default:
		return TierNormal
	}
}

// Classify maps l to a tier at now with the default thresholds.
func Classify(l *listing.Listing, now time.Time) Tier {
	return ClassifyWithThresholds(l, now, nil)
}
