package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/xdcshop/internal/catalog"
)

// Namespace is a Store handle scoped to one catalog.
type Namespace struct {
	store *Store
	name  string
}

// Name returns the namespace key.
func (n *Namespace) Name() string {
	return n.name
}

// Position is the durable sync cursor for a namespace.
type Position struct {
	// LastStreamSerial is the highest transport serial processed.
	LastStreamSerial int64 `json:"last_stream_serial"`

	// LastUpdateSerial is the highest catalog update serial merged.
	LastUpdateSerial int64 `json:"last_update_serial"`

	// UpdateSeen is false until the first catalog update has been merged,
	// so that an initial batch with serial 0 is not mistaken for a duplicate.
	UpdateSeen bool `json:"update_seen"`
}

// GetAll returns every stored item in the namespace ordered by id.
// Returns an empty slice (not nil) when the namespace is empty.
func (n *Namespace) GetAll(ctx context.Context) ([]catalog.Item, error) {
	rows, err := n.store.db.QueryContext(ctx, `
		SELECT id, name, description, author_name, author_email, source_code_url, version, image
		FROM items
		WHERE namespace = ?
		ORDER BY id ASC
	`, n.name)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []catalog.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

// Get retrieves a single item. Returns sql.ErrNoRows if not found.
func (n *Namespace) Get(ctx context.Context, id catalog.ItemID) (catalog.Item, error) {
	row := n.store.db.QueryRowContext(ctx, `
		SELECT id, name, description, author_name, author_email, source_code_url, version, image
		FROM items
		WHERE namespace = ? AND id = ?
	`, n.name, int64(id))
	return scanItem(row)
}

// LoadCursor returns the stored position, or the zero Position if none was
// ever saved.
func (n *Namespace) LoadCursor(ctx context.Context) (Position, error) {
	var pos Position
	var seen int
	err := n.store.db.QueryRowContext(ctx, `
		SELECT last_stream_serial, last_update_serial, update_seen
		FROM sync_cursors
		WHERE namespace = ?
	`, n.name).Scan(&pos.LastStreamSerial, &pos.LastUpdateSerial, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("load cursor: %w", err)
	}
	pos.UpdateSeen = seen != 0
	return pos, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (catalog.Item, error) {
	var (
		id                                                 int64
		name, description, authorName, authorEmail, srcURL sql.NullString
		version, image                                     sql.NullString
	)
	if err := row.Scan(&id, &name, &description, &authorName, &authorEmail, &srcURL, &version, &image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Item{}, err
		}
		return catalog.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return catalog.Item{
		ID:            catalog.ItemID(id),
		Name:          fromNull(name),
		Description:   fromNull(description),
		AuthorName:    fromNull(authorName),
		AuthorEmail:   fromNull(authorEmail),
		SourceCodeURL: fromNull(srcURL),
		Version:       fromNull(version),
		Image:         fromNull(image),
	}, nil
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return catalog.Str(ns.String)
}

func toNull(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
