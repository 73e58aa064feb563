package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/xdcshop/internal/catalog"
)

const upsertItemSQL = `
	INSERT INTO items
	(namespace, id, name, description, author_name, author_email, source_code_url, version, image)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(namespace, id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		author_name = excluded.author_name,
		author_email = excluded.author_email,
		source_code_url = excluded.source_code_url,
		version = excluded.version,
		image = excluded.image
`

// Cursor columns only ever grow; update_seen latches once set.
const upsertCursorSQL = `
	INSERT INTO sync_cursors
	(namespace, last_stream_serial, last_update_serial, update_seen)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace) DO UPDATE SET
		last_stream_serial = max(last_stream_serial, excluded.last_stream_serial),
		last_update_serial = max(last_update_serial, excluded.last_update_serial),
		update_seen = max(update_seen, excluded.update_seen)
`

// InsertMany and UpdateMany are the durable item store contract: keyed
// upserts where an existing row is replaced wholesale. The engine writes
// through Apply instead, which adds the cursor in the same transaction.

// InsertMany writes items that are new to the catalog.
func (n *Namespace) InsertMany(ctx context.Context, items []catalog.Item) error {
	if err := n.writeItems(ctx, items); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return nil
}

// UpdateMany writes already-merged items. Identical to InsertMany at the
// storage level; kept separate so callers state intent.
func (n *Namespace) UpdateMany(ctx context.Context, items []catalog.Item) error {
	if err := n.writeItems(ctx, items); err != nil {
		return fmt.Errorf("update items: %w", err)
	}
	return nil
}

// SaveCursor persists pos. Older values never overwrite newer ones.
func (n *Namespace) SaveCursor(ctx context.Context, pos Position) error {
	if _, err := n.store.db.ExecContext(ctx, upsertCursorSQL, cursorArgs(n.name, pos)...); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Apply writes items and the cursor in one transaction, so the cursor can
// never be durable ahead of the merged state it covers.
func (n *Namespace) Apply(ctx context.Context, items []catalog.Item, pos Position) error {
	tx, err := n.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := upsertItems(ctx, tx, n.name, items); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertCursorSQL, cursorArgs(n.name, pos)...); err != nil {
		return fmt.Errorf("apply: save cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply: commit: %w", err)
	}
	return nil
}

func (n *Namespace) writeItems(ctx context.Context, items []catalog.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := n.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertItems(ctx, tx, n.name, items); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertItems(ctx context.Context, tx *sql.Tx, namespace string, items []catalog.Item) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertItemSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		_, err := stmt.ExecContext(ctx,
			namespace,
			int64(it.ID),
			toNull(it.Name),
			toNull(it.Description),
			toNull(it.AuthorName),
			toNull(it.AuthorEmail),
			toNull(it.SourceCodeURL),
			toNull(it.Version),
			toNull(it.Image),
		)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", it.ID, err)
		}
	}
	return nil
}

func cursorArgs(namespace string, pos Position) []any {
	seen := 0
	if pos.UpdateSeen {
		seen = 1
	}
	return []any{namespace, pos.LastStreamSerial, pos.LastUpdateSerial, seen}
}
