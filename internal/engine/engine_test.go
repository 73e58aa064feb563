package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/store"
	"github.com/roach88/xdcshop/internal/testutil"
)

type fixture struct {
	engine *Engine
	ns     *store.Namespace
	sender *testutil.RecordingSender
	clock  *testutil.ManualClock
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, items ItemStore, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sender: &testutil.RecordingSender{},
		clock:  testutil.NewManualClock(),
	}
	if items == nil {
		f.ns = setupTestStore(t).Namespace("")
		items = f.ns
	}
	opts = append([]Option{
		WithTokens(testutil.NewSequenceTokens("req")),
		WithNow(f.clock.Now),
	}, opts...)
	f.engine = New(items, f.sender, opts...)
	return f
}

// start warms the engine and runs it until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Warm(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) deliver(t *testing.T, serial int64, payload json.RawMessage) {
	t.Helper()
	require.True(t, f.engine.Deliver(protocol.ReceivedMessage{Serial: serial, Payload: payload}))
	require.NoError(t, f.engine.Flush(context.Background()))
}

func updatePayload(t *testing.T, serial int64, items ...catalog.Item) json.RawMessage {
	t.Helper()
	raw, err := protocol.EncodeCatalogUpdate(protocol.CatalogUpdate{AppInfos: items, Serial: serial})
	require.NoError(t, err)
	return raw
}

func resultPayload(t *testing.T, id catalog.ItemID, okay bool) json.RawMessage {
	t.Helper()
	raw, err := protocol.EncodeDownloadResult(protocol.DownloadResult{ID: id, Okay: okay})
	require.NoError(t, err)
	return raw
}

func pollItem() catalog.Item {
	return catalog.Item{
		ID:            1,
		Name:          catalog.Str("Poll"),
		Description:   catalog.Str("Quick polls"),
		AuthorName:    catalog.Str("Jane"),
		AuthorEmail:   catalog.Str("jane@example.org"),
		SourceCodeURL: catalog.Str("https://example.org/poll"),
		Version:       catalog.Str("1.0.0"),
	}
}

func entry(t *testing.T, snap Snapshot, id catalog.ItemID) catalog.Entry {
	t.Helper()
	for _, e := range snap.Entries {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("item %s not in snapshot", id)
	return catalog.Entry{}
}

func TestEngine_New(t *testing.T) {
	f := newFixture(t, nil)

	assert.NotNil(t, f.engine.queue)
	assert.NotNil(t, f.engine.state)
	assert.Equal(t, catalog.RetryNever, f.engine.retry)

	snap := f.engine.Snapshot()
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Entries)
	assert.NotNil(t, snap.Entries)
}

func TestEngine_IssuedCapacity(t *testing.T) {
	assert.Len(t, newFixture(t, nil).engine.correlator.ring, DefaultIssuedCapacity)
	assert.Len(t, newFixture(t, nil, WithIssuedCapacity(2)).engine.correlator.ring, 2)
}

func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))

	snap := f.engine.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, catalog.Initial, snap.Entries[0].State)
	assert.True(t, snap.Entries[0].Complete())

	stored, err := f.ns.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, pollItem(), stored[0])

	f.deliver(t, 2, updatePayload(t, 2, catalog.Item{ID: 1, Description: catalog.Str("updated")}))

	e := entry(t, f.engine.Snapshot(), 1)
	assert.Equal(t, "updated", catalog.Text(e.Description))
	assert.Equal(t, "Poll", catalog.Text(e.Name))
	assert.Equal(t, catalog.Initial, e.State)

	require.NoError(t, f.engine.RequestDownload(ctx, 1))
	assert.Equal(t, catalog.Downloading, entry(t, f.engine.Snapshot(), 1).State)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"request_id":"req-1","Download":{"app_id":1}}`, string(sent[0].Payload))
	assert.Equal(t, "download request for app 1", sent[0].Descr)

	f.deliver(t, 3, resultPayload(t, 1, true))
	assert.Equal(t, catalog.Received, entry(t, f.engine.Snapshot(), 1).State)

	pos, err := f.ns.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Position{LastStreamSerial: 3, LastUpdateSerial: 2, UpdateSeen: true}, pos)
}

func TestEngine_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	payload := updatePayload(t, 1, pollItem())
	f.deliver(t, 1, payload)

	once := f.engine.Snapshot()
	storedOnce, err := f.ns.GetAll(ctx)
	require.NoError(t, err)
	posOnce, err := f.ns.LoadCursor(ctx)
	require.NoError(t, err)

	f.deliver(t, 1, payload)

	twice := f.engine.Snapshot()
	assert.Equal(t, once, twice, "duplicate must not publish a new snapshot")

	storedTwice, err := f.ns.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, storedOnce, storedTwice)

	posTwice, err := f.ns.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, posOnce, posTwice)
}

func TestEngine_StaleUpdateIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, updatePayload(t, 3, pollItem()))
	f.deliver(t, 2, updatePayload(t, 1, catalog.Item{ID: 1, Name: catalog.Str("Old")}))
	f.deliver(t, 3, updatePayload(t, 5, catalog.Item{ID: 2, Name: catalog.Str("Draw")}))
	f.deliver(t, 4, updatePayload(t, 4, catalog.Item{ID: 1, Name: catalog.Str("Older")}))

	snap := f.engine.Snapshot()
	assert.Equal(t, "Poll", catalog.Text(entry(t, snap, 1).Name))
	assert.Len(t, snap.Entries, 2)
	assert.Equal(t, int64(5), snap.Cursor.LastUpdateSerial)
	assert.Equal(t, int64(4), snap.Cursor.LastStreamSerial, "stale batches still consume their transport serial")
}

func TestEngine_RestartResumption(t *testing.T) {
	s := setupTestStore(t)
	ns := s.Namespace("")
	ctx := context.Background()

	require.NoError(t, ns.InsertMany(ctx, []catalog.Item{pollItem()}))
	require.NoError(t, ns.SaveCursor(ctx, store.Position{LastStreamSerial: 20, LastUpdateSerial: 7, UpdateSeen: true}))

	f := newFixture(t, ns)
	f.start(t)

	snap := f.engine.Snapshot()
	require.Len(t, snap.Entries, 1, "warm loads stored items")
	assert.Equal(t, int64(20), snap.Cursor.LastStreamSerial)

	f.deliver(t, 21, updatePayload(t, 7, catalog.Item{ID: 1, Name: catalog.Str("Replayed")}))
	assert.Equal(t, "Poll", catalog.Text(entry(t, f.engine.Snapshot(), 1).Name), "batch 7 is a duplicate")

	f.deliver(t, 22, updatePayload(t, 8, catalog.Item{ID: 1, Name: catalog.Str("Poll 2")}))
	assert.Equal(t, "Poll 2", catalog.Text(entry(t, f.engine.Snapshot(), 1).Name))

	f.deliver(t, 15, updatePayload(t, 9, catalog.Item{ID: 1, Name: catalog.Str("Ancient")}))
	assert.Equal(t, "Poll 2", catalog.Text(entry(t, f.engine.Snapshot(), 1).Name), "transport serial below cursor is dropped")
}

func TestEngine_DeliveredBeforeWarm(t *testing.T) {
	s := setupTestStore(t)
	ns := s.Namespace("")
	ctx := context.Background()
	require.NoError(t, ns.InsertMany(ctx, []catalog.Item{pollItem()}))
	require.NoError(t, ns.SaveCursor(ctx, store.Position{UpdateSeen: true}))

	f := newFixture(t, ns)
	require.True(t, f.engine.Deliver(protocol.ReceivedMessage{
		Serial:  1,
		Payload: updatePayload(t, 1, catalog.Item{ID: 1, Name: catalog.Str("Fresh")}),
	}))
	f.start(t)
	require.NoError(t, f.engine.Flush(ctx))

	e := entry(t, f.engine.Snapshot(), 1)
	assert.Equal(t, "Fresh", catalog.Text(e.Name))
	assert.Equal(t, "Quick polls", catalog.Text(e.Description), "stored fields survive")
}

func TestEngine_RefreshAndEcho(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 4, pollItem()))
	require.NoError(t, f.engine.Refresh(ctx))

	snap := f.engine.Snapshot()
	assert.True(t, snap.Updating)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"request_id":"req-1","Update":{"serial":4}}`, string(sent[0].Payload))

	// Our own request comes back on the shared channel.
	f.deliver(t, 2, sent[0].Payload)
	assert.True(t, f.engine.Snapshot().Updating, "echo is not a response")
	assert.Len(t, f.engine.Snapshot().Entries, 1)

	f.clock.Advance(time.Minute)
	f.deliver(t, 3, updatePayload(t, 5))
	snap = f.engine.Snapshot()
	assert.False(t, snap.Updating)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), snap.LastUpdate)
}

func TestEngine_ForeignRequestIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, json.RawMessage(`{"request_id":"peer-7","Download":{"app_id":1}}`))
	f.deliver(t, 2, json.RawMessage(`{"Update":{"serial":0}}`))

	snap := f.engine.Snapshot()
	assert.Empty(t, snap.Entries)
	assert.Equal(t, int64(2), snap.Cursor.LastStreamSerial)
}

func TestEngine_RequestDownloadRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	err := f.engine.RequestDownload(ctx, 99)
	assert.Equal(t, catalog.ErrCodeUnknownItem, catalog.CodeOf(err))

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	require.NoError(t, f.engine.RequestDownload(ctx, 1))

	err = f.engine.RequestDownload(ctx, 1)
	assert.True(t, catalog.IsInvalidTransition(err))
	assert.Equal(t, catalog.Downloading, entry(t, f.engine.Snapshot(), 1).State)
	assert.Len(t, f.sender.Sent(), 1, "rejected request sends nothing")
}

func TestEngine_RetryPolicy(t *testing.T) {
	f := newFixture(t, nil, WithRetryPolicy(catalog.RetryCancelled))
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	require.NoError(t, f.engine.RequestDownload(ctx, 1))
	f.deliver(t, 2, resultPayload(t, 1, false))
	assert.Equal(t, catalog.DownloadCancelled, entry(t, f.engine.Snapshot(), 1).State)

	require.NoError(t, f.engine.RequestDownload(ctx, 1))
	assert.Equal(t, catalog.Downloading, entry(t, f.engine.Snapshot(), 1).State)
	assert.Len(t, f.sender.Sent(), 2)
}

func TestEngine_UnmatchedResultDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	before := f.engine.Snapshot()

	f.deliver(t, 2, resultPayload(t, 1, true))
	f.deliver(t, 3, resultPayload(t, 42, true))

	after := f.engine.Snapshot()
	assert.Equal(t, before.Entries, after.Entries)
	assert.Equal(t, int64(3), after.Cursor.LastStreamSerial)
}

func TestEngine_MalformedPayloadConsumesSerial(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, json.RawMessage(`{"hello":"world"}`))
	f.deliver(t, 2, json.RawMessage(`not json`))
	f.deliver(t, 3, updatePayload(t, 1, pollItem()))

	snap := f.engine.Snapshot()
	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, int64(3), snap.Cursor.LastStreamSerial)
}

func TestEngine_SendFailureKeepsDownloading(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	f.sender.Fail(errors.New("offline"))

	err := f.engine.RequestDownload(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Equal(t, catalog.Downloading, entry(t, f.engine.Snapshot(), 1).State)

	err = f.engine.Refresh(ctx)
	require.Error(t, err)
	assert.False(t, f.engine.Snapshot().Updating)
}

func TestEngine_DownloadTimeout(t *testing.T) {
	f := newFixture(t, nil, WithDownloadTimeout(time.Minute), WithSweepInterval(time.Hour))
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 1, pollItem(), catalog.Item{ID: 2, Name: catalog.Str("Draw")}))
	require.NoError(t, f.engine.RequestDownload(ctx, 1))
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.engine.RequestDownload(ctx, 2))

	f.clock.Advance(40 * time.Second)
	require.NoError(t, f.engine.Sweep(ctx))

	snap := f.engine.Snapshot()
	assert.Equal(t, catalog.DownloadCancelled, entry(t, snap, 1).State)
	assert.Equal(t, catalog.Downloading, entry(t, snap, 2).State)

	// A result arriving after the timeout no longer matches.
	f.deliver(t, 2, resultPayload(t, 1, true))
	assert.Equal(t, catalog.DownloadCancelled, entry(t, f.engine.Snapshot(), 1).State)
}

func TestEngine_TimeoutDisabledByDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	require.NoError(t, f.engine.RequestDownload(ctx, 1))
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.Sweep(ctx))

	assert.Equal(t, catalog.Downloading, entry(t, f.engine.Snapshot(), 1).State)
}

// flakyStore fails Apply while broken is set.
type flakyStore struct {
	*store.Namespace
	broken atomic.Bool
}

func (f *flakyStore) Apply(ctx context.Context, items []catalog.Item, pos store.Position) error {
	if f.broken.Load() {
		return errors.New("disk full")
	}
	return f.Namespace.Apply(ctx, items, pos)
}

func TestEngine_PersistenceFailureRetriedOnNextMutation(t *testing.T) {
	ns := setupTestStore(t).Namespace("")
	flaky := &flakyStore{Namespace: ns}
	f := newFixture(t, flaky)
	f.start(t)
	ctx := context.Background()

	flaky.broken.Store(true)
	f.deliver(t, 1, updatePayload(t, 1, pollItem()))

	assert.Len(t, f.engine.Snapshot().Entries, 1, "memory stays authoritative")
	stored, err := ns.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	flaky.broken.Store(false)
	f.deliver(t, 2, updatePayload(t, 2, catalog.Item{ID: 2, Name: catalog.Str("Draw")}))

	stored, err = ns.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2, "pending item written with the next mutation")
	assert.Equal(t, pollItem(), stored[0])

	pos, err := ns.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos.LastUpdateSerial)
}

func TestEngine_Subscribe(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.engine.Subscribe()
	f.start(t)

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))

	select {
	case snap := <-ch:
		assert.Len(t, snap.Entries, 1)
		assert.Equal(t, f.engine.Snapshot().Version, snap.Version, "only the newest snapshot is kept")
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open, "channel closed after cancel")
}

func TestEngine_SnapshotIsACopy(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, updatePayload(t, 1, pollItem()))
	snap := f.engine.Snapshot()
	*snap.Entries[0].Name = "mutated"

	assert.Equal(t, "Poll", catalog.Text(entry(t, f.engine.Snapshot(), 1).Name))
}

func TestEngine_SubscribersGetPrivateCopies(t *testing.T) {
	f := newFixture(t, nil)
	first, cancelFirst := f.engine.Subscribe()
	defer cancelFirst()
	second, cancelSecond := f.engine.Subscribe()
	defer cancelSecond()
	f.start(t)

	item := pollItem()
	item.Image = catalog.Str("iVBORw0KGgo=")
	f.deliver(t, 1, updatePayload(t, 1, item))

	a := <-first
	b := <-second
	*a.Entries[0].Name = "mutated"
	*a.Entries[0].Image = "mutated"

	assert.Equal(t, "Poll", catalog.Text(entry(t, b, 1).Name))
	assert.Equal(t, "iVBORw0KGgo=", catalog.Text(entry(t, b, 1).Image))
	assert.Equal(t, "Poll", catalog.Text(entry(t, f.engine.Snapshot(), 1).Name))
}

func TestEngine_UndecodableImageDoesNotRejectBatch(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.deliver(t, 1, json.RawMessage(`{"serial":1,"app_infos":[{"id":1,"name":"Poll","image":"a"},{"id":2,"name":"Chess"}]}`))

	snap := f.engine.Snapshot()
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "a", catalog.Text(entry(t, snap, 1).Image))
	assert.Equal(t, int64(1), snap.Cursor.LastUpdateSerial)
}

func TestEngine_StopRejectsNewWork(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.Warm(context.Background()))

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(context.Background()) }()

	f.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.False(t, f.engine.Deliver(protocol.ReceivedMessage{Serial: 1}))
	assert.ErrorIs(t, f.engine.Refresh(context.Background()), ErrStopped)
}

func TestEngine_RunTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	require.NoError(t, f.engine.Flush(context.Background()))

	err := f.engine.Run(context.Background())
	assert.Error(t, err)
	assert.Error(t, f.engine.Warm(context.Background()))
}

func TestEngine_ContextCancelledCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Not running: the call gives up when its context ends.
	assert.ErrorIs(t, f.engine.Flush(ctx), context.Canceled)
}
