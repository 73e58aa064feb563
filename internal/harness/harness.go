package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/engine"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/shop"
	"github.com/roach88/xdcshop/internal/store"
	"github.com/roach88/xdcshop/internal/testutil"
	"github.com/roach88/xdcshop/internal/transport"
)

// errInjected is returned by store writes after a fail_store step.
var errInjected = errors.New("injected store failure")

// faultyStore lets a scenario switch store writes off and on.
type faultyStore struct {
	*store.Namespace
	fail atomic.Bool
}

func (f *faultyStore) Apply(ctx context.Context, items []catalog.Item, pos store.Position) error {
	if f.fail.Load() {
		return errInjected
	}
	return f.Namespace.Apply(ctx, items, pos)
}

// Harness runs one scenario against a real engine, store and loopback
// channel with a manual clock and sequential request ids.
type Harness struct {
	ns      *store.Namespace
	items   *faultyStore
	channel *transport.Loopback
	clock   *testutil.ManualClock
	tokens  *testutil.SequenceTokens
	retry   catalog.RetryPolicy
	timeout time.Duration

	engine *engine.Engine
	shop   *shop.Facade
	cancel context.CancelFunc
	done   <-chan error

	// sent counts channel sends already attributed to a trace event.
	sent int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. The clock starts at
// testutil.Epoch and request ids are req-1, req-2, ... across restarts, so
// traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}
	if err := h.start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	defer h.stop()

	result := NewResult()
	for i := range scenario.Steps {
		step := &scenario.Steps[i]
		if step.Expect != nil {
			for _, msg := range h.check(ctx, step.Expect) {
				result.AddError(fmt.Sprintf("step %d: %s", i+1, msg))
			}
			continue
		}

		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		result.AddTrace(ev)
	}

	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	retry := catalog.RetryNever
	if scenario.Retry != "" {
		p, err := catalog.ParseRetryPolicy(scenario.Retry)
		if err != nil {
			return nil, err
		}
		retry = p
	}

	var timeout time.Duration
	if scenario.DownloadTimeout != "" {
		d, err := time.ParseDuration(scenario.DownloadTimeout)
		if err != nil {
			return nil, fmt.Errorf("download_timeout: %w", err)
		}
		timeout = d
	}

	ns := st.Namespace("")
	return &Harness{
		ns:      ns,
		items:   &faultyStore{Namespace: ns},
		channel: transport.NewLoopback(),
		clock:   testutil.NewManualClock(),
		tokens:  testutil.NewSequenceTokens("req"),
		retry:   retry,
		timeout: timeout,
	}, nil
}

func (h *Harness) seed(ctx context.Context, seed *Seed) error {
	if seed == nil {
		return nil
	}
	if len(seed.Items) > 0 {
		items := make([]catalog.Item, len(seed.Items))
		for i, spec := range seed.Items {
			items[i] = spec.Item()
		}
		if err := h.ns.InsertMany(ctx, items); err != nil {
			return err
		}
	}
	if c := seed.Cursor; c != nil {
		return h.ns.SaveCursor(ctx, store.Position{
			LastStreamSerial: c.Stream,
			LastUpdateSerial: c.Update,
			UpdateSeen:       c.UpdateSeen,
		})
	}
	return nil
}

// start builds a new engine over the shared store and channel and waits
// until the replayed backlog has been processed.
func (h *Harness) start(ctx context.Context) error {
	h.engine = engine.New(h.items, h.channel,
		engine.WithTokens(h.tokens),
		engine.WithRetryPolicy(h.retry),
		engine.WithDownloadTimeout(h.timeout),
		engine.WithSweepInterval(time.Hour),
		engine.WithNow(h.clock.Now),
	)
	h.shop = shop.New(h.engine)

	runCtx, cancel := context.WithCancel(ctx)
	done, err := h.shop.Start(runCtx, h.channel)
	if err != nil {
		cancel()
		return err
	}
	h.cancel, h.done = cancel, done
	return h.engine.Flush(ctx)
}

func (h *Harness) stop() {
	h.engine.Stop()
	<-h.done
	h.cancel()
}

func (h *Harness) execute(ctx context.Context, n int, st *Step) (TraceEvent, error) {
	ev := TraceEvent{Step: n}

	switch {
	case st.Deliver != nil:
		op, payload, err := encodeDelivery(st.Deliver)
		if err != nil {
			return ev, err
		}
		ev.Op = op
		ev.Outcome = fmt.Sprintf("stream %d", h.channel.Publish(payload))

	case st.Redeliver != nil:
		ev.Op = fmt.Sprintf("redeliver since=%d", *st.Redeliver)
		h.channel.Redeliver(*st.Redeliver)

	case st.RequestDownload != nil:
		id := catalog.ItemID(*st.RequestDownload)
		ev.Op = fmt.Sprintf("request_download id=%d", id)
		ok, err := h.shop.RequestDownload(ctx, id)
		switch {
		case err != nil:
			ev.Outcome = outcome(err)
		case ok:
			ev.Outcome = "requested"
		default:
			ev.Outcome = "ignored"
		}

	case st.Refresh:
		ev.Op = "refresh"
		ev.Outcome = outcome(h.shop.Refresh(ctx))

	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return ev, err
		}
		h.clock.Advance(d)
		ev.Op = "advance " + d.String()

	case st.Sweep:
		ev.Op = "sweep"
		ev.Outcome = outcome(h.engine.Sweep(ctx))

	case st.Restart:
		h.stop()
		pos, err := h.ns.LoadCursor(ctx)
		if err != nil {
			return ev, err
		}
		ev.Op = "restart"
		ev.Outcome = fmt.Sprintf("since %d", pos.LastStreamSerial)
		if err := h.start(ctx); err != nil {
			return ev, err
		}

	case st.FailStore != nil:
		h.items.fail.Store(*st.FailStore)
		ev.Op = fmt.Sprintf("fail_store %t", *st.FailStore)

	default:
		return ev, fmt.Errorf("step has no action")
	}

	if err := h.engine.Flush(ctx); err != nil {
		return ev, err
	}
	h.capture(&ev)
	return ev, nil
}

// capture records the published snapshot and any new sends.
func (h *Harness) capture(ev *TraceEvent) {
	sent := h.channel.Sent()
	for _, u := range sent[h.sent:] {
		ev.Sent = append(ev.Sent, string(u.Payload))
	}
	h.sent = len(sent)

	snap := h.engine.Snapshot()
	ev.Entries = make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		ev.Entries = append(ev.Entries, formatEntry(e))
	}
	ev.Cursor = formatCursor(snap.Cursor)
	ev.Updating = snap.Updating
}

func encodeDelivery(d *Delivery) (string, json.RawMessage, error) {
	switch {
	case d.Update != nil:
		items := make([]catalog.Item, len(d.Update.AppInfos))
		for i, spec := range d.Update.AppInfos {
			items[i] = spec.Item()
		}
		payload, err := protocol.EncodeCatalogUpdate(protocol.CatalogUpdate{
			AppInfos: items,
			Serial:   d.Update.Serial,
		})
		op := fmt.Sprintf("deliver update serial=%d items=%d", d.Update.Serial, len(items))
		return op, payload, err

	case d.Result != nil:
		payload, err := protocol.EncodeDownloadResult(protocol.DownloadResult{
			ID:   catalog.ItemID(d.Result.ID),
			Okay: d.Result.Okay,
		})
		op := fmt.Sprintf("deliver result id=%d okay=%t", d.Result.ID, d.Result.Okay)
		return op, payload, err

	default:
		return "deliver raw", json.RawMessage(d.Raw), nil
	}
}

// outcome renders an action result: "ok", a catalog error code, or the
// error text.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := catalog.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}

func formatEntry(e catalog.Entry) string {
	line := fmt.Sprintf("item %d %s name=%q version=%q",
		e.ID, e.State, catalog.Text(e.Name), catalog.Text(e.Version))
	if !e.Complete() {
		line += " incomplete"
	}
	return line
}

func formatCursor(pos store.Position) string {
	if !pos.UpdateSeen {
		return fmt.Sprintf("cursor stream=%d update=none", pos.LastStreamSerial)
	}
	return fmt.Sprintf("cursor stream=%d update=%d", pos.LastStreamSerial, pos.LastUpdateSerial)
}
