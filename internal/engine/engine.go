package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/store"
)

// ItemStore is the durable side of the replica. *store.Namespace satisfies it.
type ItemStore interface {
	GetAll(ctx context.Context) ([]catalog.Item, error)
	LoadCursor(ctx context.Context) (store.Position, error)
	Apply(ctx context.Context, items []catalog.Item, pos store.Position) error
}

// Sender is the outbound half of the transport.
type Sender interface {
	SendUpdate(ctx context.Context, update protocol.StatusUpdate) error
}

// Snapshot is an immutable view of the catalog between two events.
type Snapshot struct {
	// Version increases with every published snapshot.
	Version int64

	// Entries is sorted by item id.
	Entries []catalog.Entry

	Cursor store.Position

	// Updating is true between a refresh request and the next catalog update.
	Updating bool

	// LastUpdate is when the last catalog update arrived; zero if never.
	LastUpdate time.Time
}

// clone copies s deeply. Published snapshots are never handed out directly.
func (s *Snapshot) clone() Snapshot {
	out := *s
	out.Entries = make([]catalog.Entry, len(s.Entries))
	for i, e := range s.Entries {
		out.Entries[i] = e.Clone()
	}
	return out
}

// Engine is the single-writer owner of the catalog replica.
//
// Transport deliveries and caller requests are queued and processed one at a
// time by Run. Nothing else mutates catalog state, the cursor or the
// correlator, so none of them need locks. Readers use Snapshot or Subscribe.
//
// Thread-safety model:
//   - Deliver, RequestDownload, Refresh, Sweep, Flush, Snapshot, Subscribe:
//     safe from any goroutine
//   - Warm: call once before Run
//   - Run: must be called from exactly one goroutine
type Engine struct {
	items      ItemStore
	sender     Sender
	state      *catalog.State
	cursor     *Cursor
	correlator *Correlator
	queue      *eventQueue
	clock      *Clock
	now        func() time.Time

	retry           catalog.RetryPolicy
	tokens          TokenGenerator
	issuedCapacity  int
	downloadTimeout time.Duration
	sweepInterval   time.Duration

	// pending holds ids whose last durable write failed.
	pending map[catalog.ItemID]struct{}

	updating   bool
	lastUpdate time.Time

	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// ErrStopped is returned by calls made after the engine stopped.
var ErrStopped = errors.New("engine stopped")

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithTokens sets the request id generator. Default: UUIDv7Generator.
func WithTokens(g TokenGenerator) Option {
	return func(e *Engine) {
		e.tokens = g
	}
}

// WithRetryPolicy sets which finished downloads may be requested again.
// Default: catalog.RetryNever.
func WithRetryPolicy(p catalog.RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithDownloadTimeout cancels downloads that get no result within d.
// Zero (the default) disables the timeout.
func WithDownloadTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.downloadTimeout = d
	}
}

// WithSweepInterval sets how often Run checks for timed out downloads.
// Default: half the download timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithNow replaces the wall clock used for request and update times.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIssuedCapacity bounds how many request ids are kept for echo detection.
func WithIssuedCapacity(n int) Option {
	return func(e *Engine) {
		e.issuedCapacity = n
	}
}

// New creates an Engine over the given store and sender.
func New(items ItemStore, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		items:   items,
		sender:  sender,
		cursor:  NewCursor(store.Position{}),
		queue:   newEventQueue(),
		clock:   NewClock(),
		now:     time.Now,
		retry:   catalog.RetryNever,
		tokens:  UUIDv7Generator{},
		pending: make(map[catalog.ItemID]struct{}),
		subs:    make(map[int]chan Snapshot),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.state = catalog.NewState(catalog.WithRetryPolicy(e.retry))
	e.correlator = NewCorrelator(e.tokens, e.issuedCapacity)
	if e.sweepInterval <= 0 && e.downloadTimeout > 0 {
		e.sweepInterval = max(e.downloadTimeout/2, time.Millisecond)
	}
	e.snapshot.Store(&Snapshot{Entries: []catalog.Entry{}})

	return e
}

// Warm loads the durable cursor and items into memory. Deliveries queued
// before Warm are processed afterwards by Run; because stored items are laid
// under the in-memory fields, a late Warm never overwrites newer data.
func (e *Engine) Warm(ctx context.Context) error {
	if e.running.Load() {
		return errors.New("warm: engine already running")
	}

	pos, err := e.items.LoadCursor(ctx)
	if err != nil {
		return catalog.NewPersistenceError("load cursor", err)
	}
	items, err := e.items.GetAll(ctx)
	if err != nil {
		return catalog.NewPersistenceError("load items", err)
	}

	e.cursor.Restore(pos)
	e.state.Restore(items)
	e.publish()

	slog.Info("catalog warmed",
		"items", len(items),
		"last_stream_serial", pos.LastStreamSerial,
		"last_update_serial", pos.LastUpdateSerial,
	)
	return nil
}

// Deliver queues one transport delivery. It never blocks and is suitable as
// a transport listener. Returns false once the engine has stopped.
func (e *Engine) Deliver(msg protocol.ReceivedMessage) bool {
	return e.queue.Enqueue(event{typ: eventInbound, message: msg})
}

// RequestDownload moves id to Downloading and sends a download request.
// Returns an INVALID_TRANSITION or UNKNOWN_ITEM catalog.Error when the item
// cannot be requested; catalog state is unchanged in that case.
func (e *Engine) RequestDownload(ctx context.Context, id catalog.ItemID) error {
	return e.call(ctx, event{typ: eventRequestDownload, itemID: id})
}

// Refresh asks the backend for every change after the update cursor.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.call(ctx, event{typ: eventRefresh})
}

// Sweep expires timed out downloads now instead of waiting for the ticker.
func (e *Engine) Sweep(ctx context.Context) error {
	return e.call(ctx, event{typ: eventSweep})
}

// Flush returns once every event queued before it has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	return e.call(ctx, event{typ: eventFlush})
}

// Snapshot returns a private copy of the latest published view. Safe from
// any goroutine.
func (e *Engine) Snapshot() Snapshot {
	return e.snapshot.Load().clone()
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the newest value. Call cancel to stop;
// the channel is closed afterwards.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Snapshot, 1)
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Stop() is called.
//
// On event processing failure, the error is logged and processing continues.
// Callers waiting on a reply receive the error.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.drain()

	slog.Info("engine starting",
		"retry_policy", e.retry,
		"download_timeout", e.downloadTimeout,
	)

	var tick <-chan time.Time
	if e.downloadTimeout > 0 {
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.handle(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-tick:
			e.handle(ctx, event{typ: eventSweep})

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
// Events already queued are processed before Run returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	if !e.queue.Enqueue(ev) {
		return ErrStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ev.reply:
		return err
	}
}

// drain answers events left behind when Run exits.
func (e *Engine) drain() {
	e.queue.Close()
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		if ev.reply != nil {
			ev.reply <- ErrStopped
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	err := e.process(ctx, ev)
	if err != nil {
		logEventError(ev, err)
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

// process routes an event to the appropriate handler.
// Called only from the Run goroutine.
func (e *Engine) process(ctx context.Context, ev event) error {
	switch ev.typ {
	case eventInbound:
		return e.processInbound(ctx, ev.message)
	case eventRequestDownload:
		return e.processRequestDownload(ctx, ev.itemID)
	case eventRefresh:
		return e.processRefresh(ctx)
	case eventSweep:
		e.processSweep()
		return nil
	case eventFlush:
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", ev.typ)
	}
}

func (e *Engine) processInbound(ctx context.Context, rm protocol.ReceivedMessage) error {
	last := e.cursor.Position().LastStreamSerial
	if e.cursor.Observe(rm.Serial) == Duplicate {
		return catalog.NewStaleError("stream", rm.Serial, last)
	}

	msg, err := protocol.Decode(rm)
	if err != nil {
		return e.settle(ctx, err)
	}

	route, err := e.correlator.Route(msg)
	if err != nil {
		return e.settle(ctx, err)
	}

	switch route {
	case RouteReconciler:
		return e.applyUpdate(ctx, msg.Serial, msg.Update)
	case RouteLifecycle:
		return e.applyDownloadResult(ctx, msg.Download)
	default:
		slog.Debug("ignoring request from another peer", "serial", rm.Serial)
		return e.settle(ctx, nil)
	}
}

// settle persists and publishes the advanced stream cursor after a message
// that changed nothing else. cause is returned alongside any store error.
func (e *Engine) settle(ctx context.Context, cause error) error {
	err := e.persist(ctx, nil)
	e.publish()
	return errors.Join(cause, err)
}

func (e *Engine) applyUpdate(ctx context.Context, streamSerial int64, u *protocol.CatalogUpdate) error {
	e.updating = false
	e.lastUpdate = e.now()

	last := e.cursor.Position().LastUpdateSerial
	firstBatch := e.cursor.FirstBatch()
	if !e.cursor.AcceptUpdate(u.Serial) {
		return e.settle(ctx, catalog.NewStaleError("update", u.Serial, last))
	}

	touched := e.state.Merge(u.AppInfos, firstBatch)
	slog.Info("catalog update merged",
		"serial", streamSerial,
		"update_serial", u.Serial,
		"first_batch", firstBatch,
		"items", len(touched),
	)

	err := e.persist(ctx, touched)
	e.publish()
	return err
}

func (e *Engine) applyDownloadResult(ctx context.Context, r *protocol.DownloadResult) error {
	next, err := e.state.ResolveDownload(r.ID, r.Okay)
	if err != nil {
		return e.settle(ctx, err)
	}

	slog.Info("download resolved", "item_id", r.ID, "state", next)
	err = e.persist(ctx, nil)
	e.publish()
	return err
}

func (e *Engine) processRequestDownload(ctx context.Context, id catalog.ItemID) error {
	if err := e.state.RequestDownload(id, e.now()); err != nil {
		return err
	}
	e.publish()

	// The item stays Downloading if the send fails: the request may still
	// have left, and a timeout or retry policy can recover it.
	return e.send(ctx, protocol.Request{Download: &protocol.DownloadRequest{AppID: id}})
}

func (e *Engine) processRefresh(ctx context.Context) error {
	serial := e.cursor.Position().LastUpdateSerial
	if err := e.send(ctx, protocol.Request{Update: &protocol.UpdateRequest{Serial: serial}}); err != nil {
		return err
	}
	e.updating = true
	e.publish()
	return nil
}

func (e *Engine) processSweep() {
	expired := e.state.Expire(e.now(), e.downloadTimeout)
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		slog.Warn("download timed out", "item_id", id, "timeout", e.downloadTimeout)
	}
	e.publish()
}

func (e *Engine) send(ctx context.Context, req protocol.Request) error {
	req = e.correlator.Issue(req)
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	update := protocol.StatusUpdate{Payload: payload, Descr: req.Describe()}
	if err := e.sender.SendUpdate(ctx, update); err != nil {
		return fmt.Errorf("send %s: %w", req.Describe(), err)
	}

	slog.Debug("request sent", "request_id", req.RequestID, "request", req.Describe())
	return nil
}

// persist writes touched items, any items from earlier failed writes and the
// cursor in one transaction. On failure the items stay pending and memory is
// left as is.
func (e *Engine) persist(ctx context.Context, touched []catalog.Item) error {
	for _, it := range touched {
		e.pending[it.ID] = struct{}{}
	}

	ids := make([]catalog.ItemID, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	pos := e.cursor.Position()
	if err := e.items.Apply(ctx, e.state.Items(ids), pos); err != nil {
		perr := catalog.NewPersistenceError("apply", err)
		perr.Serial = pos.LastStreamSerial
		return perr
	}

	clear(e.pending)
	return nil
}

// publish stores a fresh snapshot and notifies subscribers.
func (e *Engine) publish() {
	snap := &Snapshot{
		Version:    e.clock.Next(),
		Entries:    e.state.Entries(),
		Cursor:     e.cursor.Position(),
		Updating:   e.updating,
		LastUpdate: e.lastUpdate,
	}
	e.snapshot.Store(snap)

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- snap.clone():
		default:
			// Replace the unread value with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap.clone():
			default:
			}
		}
	}
}
