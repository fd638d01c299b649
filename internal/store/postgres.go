package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
	"github.com/onnwee/autofeed/internal/tracing"
)

const listingColumns = `id, title, brand, model, year, price, mileage, city, state,
	status, is_featured, views_count, likes_count, created_at`

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements listing.Store on a PostgreSQL listings table.
// Hotness is computed in SQL from the same thresholds the ranking package uses.
type PostgresStore struct {
	db         *sql.DB
	thresholds ranking.Thresholds
	clock      func() time.Time
	ratio      float64
	logger     *slog.Logger
}

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	Thresholds         *ranking.Thresholds
	Clock              func() time.Time
	TotalEstimateRatio float64
	Logger             *slog.Logger
}

// NewPostgresStore creates a PostgresStore on db.
func NewPostgresStore(db *sql.DB, cfg PostgresConfig) *PostgresStore {
	if cfg.Thresholds == nil {
		cfg.Thresholds = ranking.DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.TotalEstimateRatio <= 0 {
		cfg.TotalEstimateRatio = DefaultTotalEstimateRatio
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PostgresStore{
		db:         db,
		thresholds: *cfg.Thresholds,
		clock:      cfg.Clock,
		ratio:      cfg.TotalEstimateRatio,
		logger:     cfg.Logger,
	}
}

// Insert stores a listing and returns its ID.
func (s *PostgresStore) Insert(ctx context.Context, l *listing.Listing) (id string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "listings", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	id = l.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := l.Status
	if status == "" {
		status = listing.StatusActive
	}
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}

	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(ctx, query,
		id, l.Title, l.Brand, l.Model, l.Year, l.Price, l.Mileage,
		nullString(l.City), nullString(l.State), string(status), l.IsFeatured,
		l.ViewsCount, l.LikesCount, createdAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: %s", ErrDuplicateListing, id)
		}
		return "", fmt.Errorf("failed to insert listing: %w", err)
	}
	return id, nil
}

// QueryListings runs one filtered, ordered page against the listings table.
func (s *PostgresStore) QueryListings(ctx context.Context, q listing.Query) (out []listing.Listing, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "listings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query, args := s.buildQuery(q, s.clock())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	out = make([]listing.Listing, 0, q.Limit)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}
	return out, nil
}

// buildQuery renders the SQL for q. now is bound as a parameter so the whole
// page is classified against one instant.
func (s *PostgresStore) buildQuery(q listing.Query, now time.Time) (string, []any) {
	filter := q.Filter.Normalized()
	mode := listing.ParseSortMode(string(q.SortMode))

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	conds = append(conds, "status = "+arg(string(filter.Status)))
	if filter.Brand != "" {
		conds = append(conds, "lower(brand) = lower("+arg(filter.Brand)+")")
	}
	if filter.MinPrice != nil {
		conds = append(conds, "price >= "+arg(*filter.MinPrice))
	}
	if filter.MaxPrice != nil {
		conds = append(conds, "price <= "+arg(*filter.MaxPrice))
	}
	if filter.MinYear != nil {
		conds = append(conds, "year >= "+arg(*filter.MinYear))
	}
	if filter.MaxYear != nil {
		conds = append(conds, "year <= "+arg(*filter.MaxYear))
	}
	if filter.City != "" {
		conds = append(conds, "lower(city) = lower("+arg(filter.City)+")")
	}
	if filter.State != "" {
		conds = append(conds, "lower(state) = lower("+arg(filter.State)+")")
	}
	if filter.SearchText != "" {
		p := arg("%" + escapeLike(filter.SearchText) + "%")
		conds = append(conds, "(title ILIKE "+p+" OR brand ILIKE "+p+" OR model ILIKE "+p+")")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(listingColumns)
	b.WriteString(" FROM listings WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	b.WriteString(" ORDER BY ")
	if mode == listing.SortHot {
		b.WriteString(s.tierExpr(arg(now.UTC())))
		b.WriteString(" DESC, ")
	}
	b.WriteString(orderBy(mode))

	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	if q.Skip > 0 {
		b.WriteString(" OFFSET " + arg(q.Skip))
	}
	return b.String(), args
}

// tierExpr mirrors ranking.ClassifyWithThresholds: negative ages clamp to
// zero and bucket bounds are inclusive.
func (s *PostgresStore) tierExpr(nowParam string) string {
	t := s.thresholds
	age := "GREATEST(" + nowParam + "::timestamptz - created_at, interval '0')"
	threshold := fmt.Sprintf(`CASE
			WHEN %[1]s <= interval '1 day' THEN %[2]d
			WHEN %[1]s <= interval '7 days' THEN %[3]d
			WHEN %[1]s <= interval '30 days' THEN %[4]d
			ELSE %[5]d
		END`, age, t.Day, t.Week, t.Month, t.Older)
	return fmt.Sprintf(`(CASE
		WHEN views_count >= (%[1]s) * %[2]d THEN 2
		WHEN views_count >= (%[1]s) THEN 1
		ELSE 0
	END)`, threshold, t.SuperHotMultiplier)
}

// orderBy returns the ORDER BY keys after the tier for mode. Every mode ends
// with a unique key; ids compare bytewise to match Go string ordering.
func orderBy(mode listing.SortMode) string {
	const tail = `created_at DESC, id COLLATE "C" ASC`
	switch mode {
	case listing.SortRecent:
		return tail
	case listing.SortOldest:
		return `created_at ASC, id COLLATE "C" ASC`
	case listing.SortPriceLow:
		return "price ASC, " + tail
	case listing.SortPriceHigh:
		return "price DESC, " + tail
	case listing.SortPopular:
		return "likes_count DESC, " + tail
	case listing.SortViews:
		return "views_count DESC, " + tail
	default:
		return "views_count DESC, " + tail
	}
}

// EstimateMatchingTotal returns the configured share of every listing row.
// The filter is ignored; the value is a display hint only.
func (s *PostgresStore) EstimateMatchingTotal(ctx context.Context, f listing.Filter) (total int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "listings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var n int
	if err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return estimateTotal(n, s.ratio), nil
}

// RecordView increments views_count and returns the new value.
func (s *PostgresStore) RecordView(ctx context.Context, id string) (views int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "listings", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx,
		`UPDATE listings SET views_count = views_count + 1 WHERE id = $1 RETURNING views_count`,
		id,
	).Scan(&views)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, listing.ErrListingNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record view: %w", err)
	}
	return views, nil
}

// AdjustLikes adds delta to likes_count, never going below zero.
func (s *PostgresStore) AdjustLikes(ctx context.Context, id string, delta int64) (likes int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "listings", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx,
		`UPDATE listings SET likes_count = GREATEST(likes_count + $2, 0) WHERE id = $1 RETURNING likes_count`,
		id, delta,
	).Scan(&likes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, listing.ErrListingNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust likes: %w", err)
	}
	return likes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*listing.Listing, error) {
	var (
		l           listing.Listing
		city, state sql.NullString
		status      string
	)
	err := row.Scan(
		&l.ID, &l.Title, &l.Brand, &l.Model, &l.Year, &l.Price, &l.Mileage,
		&city, &state, &status, &l.IsFeatured, &l.ViewsCount, &l.LikesCount, &l.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}
	l.City = city.String
	l.State = state.String
	l.Status = listing.Status(status)
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
