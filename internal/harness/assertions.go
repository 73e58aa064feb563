package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/xdcshop/internal/catalog"
)

// check evaluates an expect step against the running client and returns
// one message per mismatch.
func (h *Harness) check(ctx context.Context, exp *Expect) []string {
	var errs []string
	snap := h.engine.Snapshot()

	if exp.Count != nil && len(snap.Entries) != *exp.Count {
		errs = append(errs, fmt.Sprintf("count: expected %d entries, got %d", *exp.Count, len(snap.Entries)))
	}

	for _, want := range exp.Entries {
		got, ok := h.shop.Get(catalog.ItemID(want.ID))
		if !ok {
			errs = append(errs, fmt.Sprintf("entry %d: not in catalog", want.ID))
			continue
		}
		errs = append(errs, matchEntry(want, got)...)
	}

	if c := exp.Cursor; c != nil {
		if c.Stream != nil && snap.Cursor.LastStreamSerial != *c.Stream {
			errs = append(errs, fmt.Sprintf("cursor stream: expected %d, got %d", *c.Stream, snap.Cursor.LastStreamSerial))
		}
		if c.Update != nil && snap.Cursor.LastUpdateSerial != *c.Update {
			errs = append(errs, fmt.Sprintf("cursor update: expected %d, got %d", *c.Update, snap.Cursor.LastUpdateSerial))
		}
	}

	if exp.Updating != nil && snap.Updating != *exp.Updating {
		errs = append(errs, fmt.Sprintf("updating: expected %t, got %t", *exp.Updating, snap.Updating))
	}

	if exp.Sent != nil {
		if n := len(h.channel.Sent()); n != *exp.Sent {
			errs = append(errs, fmt.Sprintf("sent: expected %d requests, got %d", *exp.Sent, n))
		}
	}

	if exp.Stored != nil {
		stored, err := h.ns.GetAll(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("stored: %v", err))
		case len(stored) != *exp.Stored:
			errs = append(errs, fmt.Sprintf("stored: expected %d items, got %d", *exp.Stored, len(stored)))
		}
	}

	if s := exp.Search; s != nil {
		var ids []int64
		for _, e := range h.shop.Search(s.Query) {
			ids = append(ids, int64(e.ID))
		}
		if !slices.Equal(ids, s.IDs) {
			errs = append(errs, fmt.Sprintf("search %q: expected %v, got %v", s.Query, s.IDs, ids))
		}
	}

	return errs
}

func matchEntry(want EntryExpect, got catalog.Entry) []string {
	var errs []string
	mismatch := func(field, expected, actual string) {
		errs = append(errs, fmt.Sprintf("entry %d %s: expected %q, got %q", want.ID, field, expected, actual))
	}

	if want.State != "" && got.State.String() != want.State {
		mismatch("state", want.State, got.State.String())
	}
	if want.Name != nil && catalog.Text(got.Name) != *want.Name {
		mismatch("name", *want.Name, catalog.Text(got.Name))
	}
	if want.Description != nil && catalog.Text(got.Description) != *want.Description {
		mismatch("description", *want.Description, catalog.Text(got.Description))
	}
	if want.Version != nil && catalog.Text(got.Version) != *want.Version {
		mismatch("version", *want.Version, catalog.Text(got.Version))
	}
	if want.Complete != nil && got.Complete() != *want.Complete {
		mismatch("complete", fmt.Sprint(*want.Complete), fmt.Sprint(got.Complete()))
	}
	return errs
}
