package ranking

import (
	"testing"
	"time"

	"github.com/onnwee/autofeed/internal/listing"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func listingAged(age time.Duration, views int64) *listing.Listing {
	return &listing.Listing{
		ID:         "l-1",
		Status:     listing.StatusActive,
		ViewsCount: views,
		CreatedAt:  testNow.Add(-age),
	}
}

// TestClassify_Scenarios covers the documented worked examples.
func TestClassify_Scenarios(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		views int64
		want  Tier
	}{
		{
			name:  "12h old with 25 views is hot",
			age:   12 * time.Hour,
			views: 25,
			want:  TierHot,
		},
		{
			name:  "12h old with 41 views is super-hot",
			age:   12 * time.Hour,
			views: 41,
			want:  TierSuperHot,
		},
		{
			name:  "10 days old with 40 views is normal",
			age:   10 * 24 * time.Hour,
			views: 40,
			want:  TierNormal,
		},
		{
			name:  "12h old with 19 views is normal",
			age:   12 * time.Hour,
			views: 19,
			want:  TierNormal,
		},
		{
			name:  "12h old with exactly 40 views is super-hot",
			age:   12 * time.Hour,
			views: 40,
			want:  TierSuperHot,
		},
		{
			name:  "3 days old with 35 views is hot",
			age:   3 * 24 * time.Hour,
			views: 35,
			want:  TierHot,
		},
		{
			name:  "90 days old with 199 views is hot",
			age:   90 * 24 * time.Hour,
			views: 199,
			want:  TierHot,
		},
		{
			name:  "90 days old with 200 views is super-hot",
			age:   90 * 24 * time.Hour,
			views: 200,
			want:  TierSuperHot,
		},
		{
			name:  "zero views is normal",
			age:   time.Hour,
			views: 0,
			want:  TierNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(listingAged(tt.age, tt.views), testNow)
			if got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestClassify_BoundariesInclusive verifies that each bucket's upper bound uses
// that bucket's threshold, not the next one.
func TestClassify_BoundariesInclusive(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		threshold int64
	}{
		{"exactly 1 day", 24 * time.Hour, 20},
		{"just over 1 day", 24*time.Hour + time.Nanosecond, 35},
		{"exactly 7 days", 7 * 24 * time.Hour, 35},
		{"just over 7 days", 7*24*time.Hour + time.Nanosecond, 50},
		{"exactly 30 days", 30 * 24 * time.Hour, 50},
		{"just over 30 days", 30*24*time.Hour + time.Nanosecond, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ViewThreshold(tt.age, nil); got != tt.threshold {
				t.Fatalf("ViewThreshold() = %d, want %d", got, tt.threshold)
			}
			if got := Classify(listingAged(tt.age, tt.threshold), testNow); got != TierHot {
				t.Errorf("views == threshold: got %s, want hot", got)
			}
			if got := Classify(listingAged(tt.age, tt.threshold-1), testNow); got != TierNormal {
				t.Errorf("views == threshold-1: got %s, want normal", got)
			}
		})
	}
}

// TestClassify_ClockSkew verifies future creation times are treated as age zero.
func TestClassify_ClockSkew(t *testing.T) {
	l := listingAged(-2*time.Hour, 20)

	age, skewed := ListingAge(l, testNow)
	if !skewed {
		t.Error("expected skewed = true for future created_at")
	}
	if age != 0 {
		t.Errorf("expected clamped age 0, got %s", age)
	}
	if days := AgeDays(l, testNow); days != 0 {
		t.Errorf("expected AgeDays 0, got %f", days)
	}
	if got := Classify(l, testNow); got != TierHot {
		t.Errorf("Classify() = %s, want hot (fresh threshold)", got)
	}
}

// TestClassify_Deterministic verifies the same input always yields the same tier.
func TestClassify_Deterministic(t *testing.T) {
	l := listingAged(5*24*time.Hour, 70)
	first := Classify(l, testNow)
	for i := 0; i < 100; i++ {
		if got := Classify(l, testNow); got != first {
			t.Fatalf("iteration %d: got %s, want %s", i, got, first)
		}
	}
}

// TestClassifyWithThresholds_Custom verifies calibrated thresholds are honored.
func TestClassifyWithThresholds_Custom(t *testing.T) {
	custom := &Thresholds{Day: 10, Week: 20, Month: 30, Older: 40, SuperHotMultiplier: 3}

	if got := ClassifyWithThresholds(listingAged(time.Hour, 10), testNow, custom); got != TierHot {
		t.Errorf("10 views fresh: got %s, want hot", got)
	}
	if got := ClassifyWithThresholds(listingAged(time.Hour, 29), testNow, custom); got != TierHot {
		t.Errorf("29 views fresh: got %s, want hot", got)
	}
	if got := ClassifyWithThresholds(listingAged(time.Hour, 30), testNow, custom); got != TierSuperHot {
		t.Errorf("30 views fresh: got %s, want super-hot", got)
	}
}

func TestTier_String(t *testing.T) {
	tests := map[Tier]string{
		TierNormal:   "normal",
		TierHot:      "hot",
		TierSuperHot: "super-hot",
	}
	for tier, want := range tests {
		if got := tier.String(); got != want {
			t.Errorf("Tier(%d).String() = %q, want %q", tier, got, want)
		}
		text, err := tier.MarshalText()
		if err != nil || string(text) != want {
			t.Errorf("Tier(%d).MarshalText() = %q, %v", tier, text, err)
		}
	}
}
