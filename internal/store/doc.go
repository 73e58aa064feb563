// Package store provides SQLite-backed durable storage for the catalog replica.
//
// Two tables are kept per namespace:
//   - items: one row per catalog item, whole-item upsert keyed by (namespace, id)
//   - sync_cursors: the stream and update serials last applied
//
// # Guarantees
//
// Writes are idempotent upserts, so a write whose outcome is unknown can be
// retried safely. Apply writes items and the cursor in a single transaction;
// a crash can never persist a cursor ahead of the items it covers.
//
// Cursor columns never move backwards: the upsert keeps the larger value.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
