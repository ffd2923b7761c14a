package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

const listingColumns = `id, external_id, query_name, title, description, price_amount, price_currency,
	price_negotiable, price_text, url, status, delivery, shipping, thumbnail_url, image_urls, categories,
	features, location, seller, details, extra_info, search_params, missed_runs, first_seen_at,
	last_seen_at, created_at, updated_at`

func scanListing(row rowScanner) (Listing, error) {
	var (
		l                                 Listing
		priceAmount                       sql.NullString
		negotiable                        int
		status, shipping                  string
		images, categories, features      string
		location, seller, details, extra  string
		searchParams                      string
		firstSeen, lastSeen, created, upd string
	)
	err := row.Scan(&l.ID, &l.ExternalID, &l.QueryName, &l.Title, &l.Description, &priceAmount,
		&l.PriceCurrency, &negotiable, &l.PriceText, &l.URL, &status, &l.Delivery, &shipping,
		&l.ThumbnailURL, &images, &categories, &features, &location, &seller, &details, &extra,
		&searchParams, &l.MissedRuns, &firstSeen, &lastSeen, &created, &upd)
	if err != nil {
		return Listing{}, err
	}
	if priceAmount.Valid {
		v := priceAmount.String
		l.PriceAmount = &v
	}
	l.PriceNegotiable = negotiable != 0
	l.Status = ListingStatus(status)
	l.Shipping = Shipping(shipping)

	fields := []struct {
		name string
		raw  string
		dst  any
	}{
		{"image_urls", images, &l.ImageURLs},
		{"categories", categories, &l.Categories},
		{"features", features, &l.Features},
		{"location", location, &l.Location},
		{"seller", seller, &l.Seller},
		{"details", details, &l.Details},
		{"extra_info", extra, &l.ExtraInfo},
		{"search_params", searchParams, &l.SearchParams},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return Listing{}, fmt.Errorf("decoding %s for listing %s: %w", f.name, l.ExternalID, err)
		}
	}

	for _, t := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"first_seen_at", firstSeen, &l.FirstSeenAt},
		{"last_seen_at", lastSeen, &l.LastSeenAt},
		{"created_at", created, &l.CreatedAt},
		{"updated_at", upd, &l.UpdatedAt},
	} {
		v, err := parseTime(t.raw)
		if err != nil {
			return Listing{}, fmt.Errorf("parsing %s for listing %s: %w", t.name, l.ExternalID, err)
		}
		*t.dst = v
	}
	return l, nil
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// listingArgs returns the column values shared by insert and update, in
// listingColumns order starting at query_name and ending at missed_runs.
func listingArgs(l *Listing) ([]any, error) {
	enc := []struct {
		v     any
		empty string
	}{
		{l.ImageURLs, "[]"},
		{l.Categories, "[]"},
		{l.Features, "[]"},
		{l.Location, "{}"},
		{l.Seller, "{}"},
		{l.Details, "{}"},
		{l.ExtraInfo, "{}"},
		{l.SearchParams, "{}"},
	}
	encoded := make([]any, len(enc))
	for i, e := range enc {
		s, err := encodeJSON(e.v, e.empty)
		if err != nil {
			return nil, fmt.Errorf("encoding listing %s: %w", l.ExternalID, err)
		}
		encoded[i] = s
	}

	var price any
	if l.PriceAmount != nil {
		price = *l.PriceAmount
	}
	status := l.Status
	if status == "" {
		status = ListingUnknown
	}
	shipping := l.Shipping
	if shipping == "" {
		shipping = ShippingUnknown
	}

	args := []any{
		l.QueryName, l.Title, l.Description, price, l.PriceCurrency, boolToInt(l.PriceNegotiable),
		l.PriceText, l.URL, string(status), l.Delivery, string(shipping), l.ThumbnailURL,
	}
	args = append(args, encoded...)
	args = append(args, l.MissedRuns)
	return args, nil
}

// FindListing looks a listing up by its merge key within the transaction.
func (t *Tx) FindListing(ctx context.Context, externalID string) (Listing, error) {
	l, err := scanListing(t.tx.QueryRowContext(ctx, t.rebind(`SELECT `+listingColumns+` FROM listings WHERE external_id = ?`), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	return l, err
}

// InsertListing stores a newly observed listing and fills in its ID.
func (t *Tx) InsertListing(ctx context.Context, l *Listing) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	all := append([]any{l.ExternalID}, args...)
	all = append(all, formatTime(l.FirstSeenAt), formatTime(l.LastSeenAt), formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
		searchText(l.Title, l.Description))

	err = t.tx.QueryRowContext(ctx, t.rebind(`
		INSERT INTO listings (external_id, query_name, title, description, price_amount, price_currency,
			price_negotiable, price_text, url, status, delivery, shipping, thumbnail_url, image_urls,
			categories, features, location, seller, details, extra_info, search_params, missed_runs,
			first_seen_at, last_seen_at, created_at, updated_at, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`), all...).Scan(&l.ID)
	if isUniqueViolation(err) {
		return &StorageError{Op: "insert listing " + l.ExternalID, Err: ErrDuplicate}
	}
	return err
}

// UpdateListing overwrites every mutable column of an existing listing.
// first_seen_at and created_at are never written.
func (t *Tx) UpdateListing(ctx context.Context, l *Listing) error {
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	args = append(args, formatTime(l.LastSeenAt), formatTime(l.UpdatedAt), searchText(l.Title, l.Description), l.ExternalID)

	res, err := t.tx.ExecContext(ctx, t.rebind(`
		UPDATE listings SET query_name = ?, title = ?, description = ?, price_amount = ?,
			price_currency = ?, price_negotiable = ?, price_text = ?, url = ?, status = ?, delivery = ?,
			shipping = ?, thumbnail_url = ?, image_urls = ?, categories = ?, features = ?, location = ?,
			seller = ?, details = ?, extra_info = ?, search_params = ?, missed_runs = ?,
			last_seen_at = ?, updated_at = ?, search_text = ?
		WHERE external_id = ?`), args...)
	return expectOne(res, err)
}

// foldCase applies Unicode case folding, so "GRÖSSE" and "Größe" compare
// equal. SQLite's LOWER only handles ASCII.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// searchText is the folded haystack stored alongside title and description.
func searchText(title, description string) string {
	return foldCase(title) + "\n" + foldCase(description)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// backfillSearchText fills search_text for rows written before the column
// existed.
func (s *Store) backfillSearchText(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description FROM listings WHERE search_text = ''`)
	if err != nil {
		return fmt.Errorf("loading listings without search text: %w", err)
	}
	type pending struct {
		id   int64
		text string
	}
	var todo []pending
	for rows.Next() {
		var (
			id                 int64
			title, description string
		)
		if err := rows.Scan(&id, &title, &description); err != nil {
			rows.Close()
			return err
		}
		todo = append(todo, pending{id: id, text: searchText(title, description)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE listings SET search_text = ? WHERE id = ?`), p.text, p.id); err != nil {
			return fmt.Errorf("backfilling search text for listing %d: %w", p.id, err)
		}
	}
	return nil
}

// ActiveListingsFor returns active listings last observed by the named job.
func (t *Tx) ActiveListingsFor(ctx context.Context, queryName string) ([]AbsenceCandidate, error) {
	rows, err := t.tx.QueryContext(ctx, t.rebind(`
		SELECT external_id, missed_runs FROM listings WHERE query_name = ? AND status = ?`),
		queryName, string(ListingActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AbsenceCandidate
	for rows.Next() {
		var c AbsenceCandidate
		if err := rows.Scan(&c.ExternalID, &c.MissedRuns); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkMissed records one more missed complete run and optionally flips the
// listing to deleted.
func (t *Tx) MarkMissed(ctx context.Context, externalID string, missed int, status ListingStatus, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(`
		UPDATE listings SET missed_runs = ?, status = ?,
			updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END
		WHERE external_id = ?`),
		missed, string(status), formatTime(now), formatTime(now), externalID)
	return expectOne(res, err)
}

// GetListing returns a stored listing by external id.
func (s *Store) GetListing(ctx context.Context, externalID string) (Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+listingColumns+` FROM listings WHERE external_id = ?`), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	return l, err
}

// ListListings returns a page of listings matching f, newest observation
// first, together with the total number of matches.
func (s *Store) ListListings(ctx context.Context, f ListingFilter) ([]Listing, int, error) {
	var (
		where []string
		args  []any
	)
	if f.QueryName != "" {
		where = append(where, "query_name = ?")
		args = append(args, f.QueryName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(foldCase(f.Search))+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM listings`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting listings: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	pageArgs := append(append([]any{}, args...), limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+listingColumns+` FROM listings`+clause+
		` ORDER BY last_seen_at DESC, id DESC LIMIT ? OFFSET ?`), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing listings: %w", err)
	}
	defer rows.Close()

	items := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

// KnownExternalIDs reports which of ids are already stored.
func (s *Store) KnownExternalIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT external_id FROM listings WHERE external_id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	return known, rows.Err()
}
