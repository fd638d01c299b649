// Package listing provides the vehicle listing read model, feed query types and
// the store contract consumed by ranking and pagination.
package listing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Common errors for listing operations.
var (
	ErrListingNotFound = errors.New("listing not found")
	ErrInvalidStatus   = errors.New("invalid listing status")
)

// Status is the lifecycle state of a listing.
type Status string

// Listing statuses.
const (
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusReserved Status = "reserved"
	StatusInactive Status = "inactive"
)

// ParseStatus validates a status string. An empty string maps to StatusActive.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusSold:
		return StatusSold, nil
	case StatusReserved:
		return StatusReserved, nil
	case StatusInactive:
		return StatusInactive, nil
	}
	return "", ErrInvalidStatus
}

// Listing is a vehicle listing as seen by the feed. The core never mutates it.
type Listing struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Brand      string          `json:"brand"`
	Model      string          `json:"model"`
	Year       int             `json:"year"`
	Price      decimal.Decimal `json:"price"`
	Mileage    int             `json:"mileage"`
	City       string          `json:"city,omitempty"`
	State      string          `json:"state,omitempty"`
	Status     Status          `json:"status"`
	IsFeatured bool            `json:"is_featured"`

	// ViewsCount never decreases; LikesCount drops on unlike.
	ViewsCount int64 `json:"views_count"`
	LikesCount int64 `json:"likes_count"`

	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows the corpus a feed is built from. Nil pointers mean "no bound".
type Filter struct {
	Status     Status           `json:"status"`
	Brand      string           `json:"brand,omitempty"`
	MinPrice   *decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice   *decimal.Decimal `json:"max_price,omitempty"`
	MinYear    *int             `json:"min_year,omitempty"`
	MaxYear    *int             `json:"max_year,omitempty"`
	City       string           `json:"city,omitempty"`
	State      string           `json:"state,omitempty"`
	SearchText string           `json:"search_text,omitempty"`
}

// Normalized returns a copy with trimmed strings, a lower-case status and the
// default status applied. An unknown status is kept for validation to reject.
func (f Filter) Normalized() Filter {
	f.Status = Status(strings.ToLower(strings.TrimSpace(string(f.Status))))
	if f.Status == "" {
		f.Status = StatusActive
	}
	f.Brand = strings.TrimSpace(f.Brand)
	f.City = strings.TrimSpace(f.City)
	f.State = strings.TrimSpace(f.State)
	f.SearchText = strings.TrimSpace(f.SearchText)
	return f
}

// Matches reports whether l satisfies every bound set on f.
// String comparisons are case-insensitive; SearchText matches title, brand or model.
func (f Filter) Matches(l *Listing) bool {
	f = f.Normalized()

	if l.Status != f.Status {
		return false
	}
	if f.Brand != "" && !strings.EqualFold(l.Brand, f.Brand) {
		return false
	}
	if f.MinPrice != nil && l.Price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && l.Price.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.MinYear != nil && l.Year < *f.MinYear {
		return false
	}
	if f.MaxYear != nil && l.Year > *f.MaxYear {
		return false
	}
	if f.City != "" && !strings.EqualFold(l.City, f.City) {
		return false
	}
	if f.State != "" && !strings.EqualFold(l.State, f.State) {
		return false
	}
	if f.SearchText != "" {
		q := strings.ToLower(f.SearchText)
		if !strings.Contains(strings.ToLower(l.Title), q) &&
			!strings.Contains(strings.ToLower(l.Brand), q) &&
			!strings.Contains(strings.ToLower(l.Model), q) {
			return false
		}
	}
	return true
}

// SortMode selects the feed ordering.
type SortMode string

// Sort modes. SortHot is the default.
const (
	SortHot       SortMode = "hot"
	SortRecent    SortMode = "recent"
	SortOldest    SortMode = "oldest"
	SortPriceLow  SortMode = "price_low"
	SortPriceHigh SortMode = "price_high"
	SortPopular   SortMode = "popular"
	SortViews     SortMode = "views"
)

// ParseSortMode maps a query value to a SortMode. Unknown or empty values yield SortHot.
func ParseSortMode(s string) SortMode {
	switch m := SortMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SortRecent, SortOldest, SortPriceLow, SortPriceHigh, SortPopular, SortViews, SortHot:
		return m
	}
	return SortHot
}

// Query is one paged request against the store.
type Query struct {
	Filter   Filter   `json:"filter"`
	SortMode SortMode `json:"sort"`
	Skip     int      `json:"skip"`
	Limit    int      `json:"limit"`
}

// Page is one store response. ApproximateTotal is an estimate and must not be
// used to decide whether more pages exist.
type Page struct {
	Listings         []Listing `json:"listings"`
	ApproximateTotal int       `json:"approximate_total"`
}

// Store is the listing read model the feed pages through.
type Store interface {
	// QueryListings returns up to q.Limit listings matching q.Filter, ordered by
	// q.SortMode, after skipping q.Skip. Rank is re-evaluated on every call, so
	// consecutive pages may overlap or skip items while the corpus changes.
	QueryListings(ctx context.Context, q Query) ([]Listing, error)

	// EstimateMatchingTotal returns an approximate count of listings matching f.
	EstimateMatchingTotal(ctx context.Context, f Filter) (int, error)
}

// ViewRecorder records a listing detail view, the source of view-count churn.
type ViewRecorder interface {
	RecordView(ctx context.Context, id string) (int64, error)
}
