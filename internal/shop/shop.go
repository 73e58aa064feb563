// Package shop is the entry point for presentation code. It reads the
// engine's published snapshots and forwards user actions; it holds no
// catalog state of its own.
package shop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/engine"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/search"
	"github.com/roach88/xdcshop/internal/store"
	"github.com/roach88/xdcshop/internal/transport"
)

// Searcher ranks entries for a query. search.RankEntries is the default.
type Searcher func(query string, entries []catalog.Entry) []catalog.Entry

// Listener is the receiving half of a transport.
type Listener interface {
	SetUpdateListener(ctx context.Context, handler transport.Handler, since int64) error
}

// Facade exposes the catalog to presentation code.
type Facade struct {
	engine *engine.Engine
	search Searcher
}

// Option configures a Facade.
type Option func(*Facade)

// WithSearcher replaces the ranking used by Search.
func WithSearcher(s Searcher) Option {
	return func(f *Facade) {
		f.search = s
	}
}

// New creates a facade over e.
func New(e *engine.Engine, opts ...Option) *Facade {
	f := &Facade{engine: e, search: search.RankEntries}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start warms the engine from the store, runs it in the background and
// attaches it to l from the durable stream cursor. The returned channel
// receives Run's result once ctx ends or the engine is stopped.
func (f *Facade) Start(ctx context.Context, l Listener) (<-chan error, error) {
	if err := f.engine.Warm(ctx); err != nil {
		return nil, fmt.Errorf("warm catalog: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	since := f.engine.Snapshot().Cursor.LastStreamSerial
	deliver := func(msg protocol.ReceivedMessage) {
		if !f.engine.Deliver(msg) {
			slog.Debug("delivery after stop dropped", "serial", msg.Serial)
		}
	}
	if err := l.SetUpdateListener(ctx, deliver, since); err != nil {
		f.engine.Stop()
		<-done
		return nil, fmt.Errorf("attach listener: %w", err)
	}

	slog.Info("shop started", "since", since, "items", len(f.engine.Snapshot().Entries))
	return done, nil
}

// Catalog returns every entry, sorted by id.
func (f *Facade) Catalog() []catalog.Entry {
	return f.engine.Snapshot().Entries
}

// Get returns one entry.
func (f *Facade) Get(id catalog.ItemID) (catalog.Entry, bool) {
	for _, e := range f.engine.Snapshot().Entries {
		if e.ID == id {
			return e, true
		}
	}
	return catalog.Entry{}, false
}

// RequestDownload asks for id to be downloaded. It reports false without an
// error when the item is already downloading or finished, so a double click
// is harmless. Unknown items and transport failures are errors.
func (f *Facade) RequestDownload(ctx context.Context, id catalog.ItemID) (bool, error) {
	err := f.engine.RequestDownload(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case catalog.IsInvalidTransition(err):
		return false, nil
	default:
		return false, err
	}
}

// Refresh asks the backend for changes since the last merged update.
func (f *Facade) Refresh(ctx context.Context) error {
	return f.engine.Refresh(ctx)
}

// Search ranks the current catalog for query. An empty query returns the
// whole catalog in id order.
func (f *Facade) Search(query string) []catalog.Entry {
	return f.search(query, f.Catalog())
}

// Subscribe delivers the newest snapshot after every catalog change.
func (f *Facade) Subscribe() (<-chan engine.Snapshot, func()) {
	return f.engine.Subscribe()
}

// Updating reports whether a refresh is waiting for its answer.
func (f *Facade) Updating() bool {
	return f.engine.Snapshot().Updating
}

// LastUpdate is when the last catalog update arrived; zero if never.
func (f *Facade) LastUpdate() time.Time {
	return f.engine.Snapshot().LastUpdate
}

// Cursor returns the sync position of the latest snapshot.
func (f *Facade) Cursor() store.Position {
	return f.engine.Snapshot().Cursor
}
