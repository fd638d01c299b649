package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/autofeed/internal/feed"
	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
	"github.com/onnwee/autofeed/internal/store"
)

var apiNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func apiClock() time.Time { return apiNow }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func car(id, brand, price string, hoursAgo int, views int64) listing.Listing {
	return listing.Listing{
		ID:         id,
		Title:      brand + " " + id,
		Brand:      brand,
		Model:      "Model " + id,
		Year:       2020,
		Price:      decimal.RequireFromString(price),
		Status:     listing.StatusActive,
		ViewsCount: views,
		CreatedAt:  apiNow.Add(-time.Duration(hoursAgo) * time.Hour),
	}
}

// fiveCars are ordered a..e from newest to oldest.
func fiveCars() []listing.Listing {
	return []listing.Listing{
		car("a", "Honda", "15000", 1, 0),
		car("b", "Toyota", "22000", 2, 25),
		car("c", "Honda", "9000", 3, 45),
		car("d", "Ford", "30000", 4, 0),
		car("e", "Toyota", "12000", 5, 0),
	}
}

func newSeededStore(t *testing.T, ls ...listing.Listing) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(store.WithClock(apiClock))
	for i := range ls {
		if _, err := s.Insert(context.Background(), &ls[i]); err != nil {
			t.Fatalf("failed to seed %s: %v", ls[i].ID, err)
		}
	}
	return s
}

// newTestMux wires handlers over st the way cmd/api does.
func newTestMux(st listing.Store, views listing.ViewRecorder) (*http.ServeMux, *feed.Registry) {
	ranker := ranking.NewRanker(nil, quietLogger())
	registry := feed.NewRegistry(feed.RegistryConfig{
		Store:           st,
		Ranker:          ranker,
		Clock:           apiClock,
		Logger:          quietLogger(),
		DefaultPageSize: 2,
	})
	mux := NewMux(Routes{
		Listings: NewListingHandlers(ListingHandlersConfig{
			Store:           st,
			Views:           views,
			Ranker:          ranker,
			Clock:           apiClock,
			DefaultPageSize: 2,
			MaxPageSize:     50,
			Logger:          quietLogger(),
		}),
		Feeds: NewFeedHandlers(FeedHandlersConfig{
			Registry:    registry,
			Ranker:      ranker,
			Clock:       apiClock,
			MaxPageSize: 50,
			Logger:      quietLogger(),
		}),
		Health: NewHealthHandlers(HealthHandlersConfig{Logger: quietLogger()}),
	})
	return mux, registry
}

// listingJSON is the decoded shape of a ListingView.
type listingJSON struct {
	ID         string `json:"id"`
	Tier       string `json:"tier"`
	ViewsCount int64  `json:"views_count"`
	Price      string `json:"price"`
}

type listResponseJSON struct {
	Listings         []listingJSON `json:"listings"`
	Page             int           `json:"page"`
	Limit            int           `json:"limit"`
	ApproximateTotal int           `json:"approximate_total"`
	HasMore          bool          `json:"has_more"`
}

func ids(ls []listingJSON) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID
	}
	return out
}

func doRequest(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, rr.Body.String())
	}
	return v
}

func TestListListings_Paging(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	tests := []struct {
		name        string
		query       string
		wantIDs     []string
		wantHasMore bool
	}{
		{"first page", "sort=recent&limit=2", []string{"a", "b"}, true},
		{"second page", "sort=recent&limit=2&page=2", []string{"c", "d"}, true},
		{"last page", "sort=recent&limit=2&page=3", []string{"e"}, false},
		{"past the end", "sort=recent&limit=2&page=4", []string{}, false},
		{"exact fit", "sort=recent&limit=5", []string{"a", "b", "c", "d", "e"}, false},
		{"brand filter", "sort=recent&brand=honda", []string{"a", "c"}, false},
		{"price range", "sort=price_low&min_price=10000&max_price=25000&limit=10", []string{"e", "a", "b"}, false},
		{"search text", "q=toyota&sort=oldest&limit=10", []string{"e", "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, mux, http.MethodGet, "/listings?"+tt.query, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			resp := decode[listResponseJSON](t, rr)
			if got := ids(resp.Listings); !reflect.DeepEqual(got, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", got, tt.wantIDs)
			}
			if resp.HasMore != tt.wantHasMore {
				t.Errorf("has_more = %v, want %v", resp.HasMore, tt.wantHasMore)
			}
			// 80% of all five listings, regardless of filter.
			if resp.ApproximateTotal != 4 {
				t.Errorf("approximate_total = %d, want 4", resp.ApproximateTotal)
			}
		})
	}
}

func TestListListings_HotOrderAndTiers(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	rr := doRequest(t, mux, http.MethodGet, "/listings?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[listResponseJSON](t, rr)

	// c is super-hot (45 >= 40), b is hot (25 >= 20), the rest by recency.
	if got, want := ids(resp.Listings), []string{"c", "b", "a", "d", "e"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("hot order = %v, want %v", got, want)
	}
	wantTiers := []string{"super-hot", "hot", "normal", "normal", "normal"}
	for i, l := range resp.Listings {
		if l.Tier != wantTiers[i] {
			t.Errorf("%s tier = %q, want %q", l.ID, l.Tier, wantTiers[i])
		}
	}
	if resp.Limit != 10 || resp.Page != 1 {
		t.Errorf("page/limit = %d/%d, want 1/10", resp.Page, resp.Limit)
	}
}

func TestListListings_Validation(t *testing.T) {
	mux, _ := newTestMux(newSeededStore(t), nil)

	tests := []struct {
		name  string
		query string
	}{
		{"zero limit", "limit=0"},
		{"limit over max", "limit=51"},
		{"negative page", "page=-1"},
		{"non-numeric page", "page=two"},
		{"bad price", "min_price=cheap"},
		{"negative price", "min_price=-1"},
		{"inverted price", "min_price=20000&max_price=10000"},
		{"inverted year", "min_year=2022&max_year=2020"},
		{"bad year", "min_year=twenty"},
		{"unknown status", "status=archived"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, mux, http.MethodGet, "/listings?"+tt.query, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			resp := decode[ErrorResponse](t, rr)
			if resp.Error.Code != ErrCodeValidation {
				t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeValidation)
			}
		})
	}
}

func TestListListings_UnknownSortFallsBackToHot(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	hot := decode[listResponseJSON](t, doRequest(t, mux, http.MethodGet, "/listings?limit=10&sort=hot", nil))
	unknown := decode[listResponseJSON](t, doRequest(t, mux, http.MethodGet, "/listings?limit=10&sort=trending", nil))
	if !reflect.DeepEqual(ids(hot.Listings), ids(unknown.Listings)) {
		t.Errorf("unknown sort order %v, want hot order %v", ids(unknown.Listings), ids(hot.Listings))
	}
}

func TestListListings_StoreFailure(t *testing.T) {
	mux, _ := newTestMux(&failingStore{err: context.DeadlineExceeded}, nil)

	rr := doRequest(t, mux, http.MethodGet, "/listings", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Error.Code != ErrCodeStoreUnavailable {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeStoreUnavailable)
	}
}

func TestRecordView(t *testing.T) {
	st := newSeededStore(t, fiveCars()...)
	mux, _ := newTestMux(st, st)

	for want := int64(1); want <= 2; want++ {
		rr := doRequest(t, mux, http.MethodPost, "/listings/a/views", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[RecordViewResponse](t, rr)
		if resp.ID != "a" || resp.ViewsCount != want {
			t.Errorf("response = %+v, want id a with %d views", resp, want)
		}
	}

	rr := doRequest(t, mux, http.MethodPost, "/listings/missing/views", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown listing, got %d", rr.Code)
	}
}

func TestRecordView_Disabled(t *testing.T) {
	mux, _ := newTestMux(newSeededStore(t, fiveCars()...), nil)

	if rr := doRequest(t, mux, http.MethodPost, "/listings/a/views", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when views are disabled, got %d", rr.Code)
	}
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (f *failingStore) QueryListings(context.Context, listing.Query) ([]listing.Listing, error) {
	return nil, f.err
}

func (f *failingStore) EstimateMatchingTotal(context.Context, listing.Filter) (int, error) {
	return 0, f.err
}
