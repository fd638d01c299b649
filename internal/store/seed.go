package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/autofeed/internal/listing"
)

// Inserter is implemented by stores that accept new listings.
type Inserter interface {
	Insert(ctx context.Context, l *listing.Listing) (string, error)
}

var demoModels = []struct {
	brand  string
	models []string
}{
	{"Toyota", []string{"Corolla", "Camry", "RAV4", "Hilux"}},
	{"Honda", []string{"Civic", "Fit", "HR-V", "CR-V"}},
	{"Volkswagen", []string{"Golf", "Polo", "T-Cross", "Amarok"}},
	{"Ford", []string{"Ka", "Ranger", "Territory"}},
	{"Chevrolet", []string{"Onix", "Tracker", "S10"}},
	{"Fiat", []string{"Argo", "Pulse", "Toro", "Strada"}},
}

var demoCities = []struct{ city, state string }{
	{"Sao Paulo", "SP"},
	{"Campinas", "SP"},
	{"Rio de Janeiro", "RJ"},
	{"Belo Horizonte", "MG"},
	{"Curitiba", "PR"},
	{"Porto Alegre", "RS"},
}

// GenerateListings builds n deterministic demo listings created within the
// last 60 days of now. The same seed always yields the same listings; a zero
// seed uses the current time.
func GenerateListings(n int, now time.Time, seed int64) []listing.Listing {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	out := make([]listing.Listing, n)
	for i := range out {
		brand := demoModels[rng.Intn(len(demoModels))]
		model := brand.models[rng.Intn(len(brand.models))]
		place := demoCities[rng.Intn(len(demoCities))]
		year := 2008 + rng.Intn(17)
		age := time.Duration(rng.Int63n(int64(60 * 24 * time.Hour)))

		// Mostly quiet listings with a long tail of popular ones.
		views := int64(rng.ExpFloat64() * 25)
		likes := views / int64(5+rng.Intn(10))

		status := listing.StatusActive
		if rng.Intn(10) == 0 {
			status = listing.StatusSold
		}

		out[i] = listing.Listing{
			ID:         "demo-" + strconv.Itoa(i+1),
			Title:      fmt.Sprintf("%s %s %d", brand.brand, model, year),
			Brand:      brand.brand,
			Model:      model,
			Year:       year,
			Price:      decimal.NewFromInt(int64(250+rng.Intn(2500)) * 100),
			Mileage:    rng.Intn(200_000),
			City:       place.city,
			State:      place.state,
			Status:     status,
			IsFeatured: rng.Intn(20) == 0,
			ViewsCount: views,
			LikesCount: likes,
			CreatedAt:  now.Add(-age).Truncate(time.Second),
		}
	}
	return out
}

// Seed inserts listings into s, skipping IDs that already exist.
// It returns how many listings were inserted.
func Seed(ctx context.Context, s Inserter, listings []listing.Listing) (int, error) {
	inserted := 0
	for i := range listings {
		if _, err := s.Insert(ctx, &listings[i]); err != nil {
			if errors.Is(err, ErrDuplicateListing) {
				continue
			}
			return inserted, fmt.Errorf("failed to seed listing %s: %w", listings[i].ID, err)
		}
		inserted++
	}
	return inserted, nil
}
