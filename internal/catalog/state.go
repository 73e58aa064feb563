package catalog

import (
	"sort"
	"time"
)

// Entry is an item together with its client lifecycle state.
type Entry struct {
	Item
	State LifecycleState `json:"state"`

	// RequestedAt is when the current download request was issued.
	// Zero unless State is Downloading or a terminal state reached from it.
	RequestedAt time.Time `json:"requested_at,omitzero"`
}

// Complete mirrors Item.Complete for presentation code that only holds entries.
func (e Entry) Complete() bool {
	return e.Item.Complete()
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	out.Item = e.Item.Clone()
	return out
}

// State is the in-memory catalog. The zero value is not usable; call NewState.
//
// State has a single owner and performs no locking.
type State struct {
	entries map[ItemID]*Entry
	retry   RetryPolicy
}

// Option configures a State.
type Option func(*State)

// WithRetryPolicy sets which finished downloads may be requested again.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *State) {
		s.retry = p
	}
}

// NewState creates an empty catalog.
func NewState(opts ...Option) *State {
	s := &State{
		entries: make(map[ItemID]*Entry),
		retry:   RetryNever,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of known items.
func (s *State) Len() int {
	return len(s.entries)
}

// RetryPolicy returns the configured retry policy.
func (s *State) RetryPolicy() RetryPolicy {
	return s.retry
}

// Get returns a copy of the entry for id.
func (s *State) Get(id ItemID) (Entry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Entries returns copies of all entries ordered by id.
// Consumers are free to re-sort; the id order only keeps output stable.
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Merge folds a batch into the catalog and returns the resulting items that
// must be written through to durable storage, ordered by id.
//
// When firstBatch is set or the catalog is empty, every incoming item
// replaces its entry wholesale at Initial. Otherwise unseen ids are inserted
// at Initial and known ids get a field-level overwrite with their lifecycle
// state preserved.
func (s *State) Merge(incoming []Item, firstBatch bool) []Item {
	replace := firstBatch || len(s.entries) == 0
	touched := make(map[ItemID]struct{}, len(incoming))

	for _, it := range incoming {
		existing, ok := s.entries[it.ID]
		_, repeated := touched[it.ID]
		touched[it.ID] = struct{}{}
		switch {
		case !ok, replace && !repeated:
			s.entries[it.ID] = &Entry{Item: it.Clone(), State: Initial}
		default:
			existing.Item = existing.Item.Overlay(it)
		}
	}

	return s.itemsFor(touched)
}

func (s *State) itemsFor(ids map[ItemID]struct{}) []Item {
	out := make([]Item, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, e.Item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads items read back from durable storage. Items already present
// are overlaid rather than replaced so a warm read can never clobber a
// fresher update that was merged first.
func (s *State) Restore(items []Item) {
	for _, it := range items {
		if e, ok := s.entries[it.ID]; ok {
			e.Item = it.Overlay(e.Item)
			continue
		}
		s.entries[it.ID] = &Entry{Item: it.Clone(), State: Initial}
	}
}

// Items returns copies of the item attributes for ids, skipping unknown ids.
func (s *State) Items(ids []ItemID) []Item {
	set := make(map[ItemID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return s.itemsFor(set)
}

// RequestDownload moves id to Downloading. It fails with an
// INVALID_TRANSITION error when the current state does not allow a request
// under the retry policy, and with UNKNOWN_ITEM when id is not in the catalog.
func (s *State) RequestDownload(id ItemID, now time.Time) error {
	e, ok := s.entries[id]
	if !ok {
		return &Error{Code: ErrCodeUnknownItem, Message: "item not in catalog", ItemID: id}
	}
	if !s.retry.allowsRequestFrom(e.State) {
		return NewInvalidTransitionError(id, e.State, Downloading)
	}
	e.State = Downloading
	e.RequestedAt = now
	return nil
}

// ResolveDownload applies a correlated download result. Results for unknown
// ids or ids that are not Downloading are UNKNOWN_CORRELATION errors and
// leave the catalog unchanged.
func (s *State) ResolveDownload(id ItemID, okay bool) (LifecycleState, error) {
	e, ok := s.entries[id]
	if !ok {
		return Initial, NewUnknownCorrelationError(id, "download result for unknown item")
	}
	if e.State != Downloading {
		return e.State, NewUnknownCorrelationError(id, "download result for item in state "+e.State.String())
	}
	if okay {
		e.State = Received
	} else {
		e.State = DownloadCancelled
	}
	return e.State, nil
}

// Expire cancels every download requested more than timeout before now and
// returns the affected ids in order. A non-positive timeout disables expiry.
func (s *State) Expire(now time.Time, timeout time.Duration) []ItemID {
	if timeout <= 0 {
		return nil
	}
	var expired []ItemID
	for id, e := range s.entries {
		if e.State != Downloading {
			continue
		}
		if now.Sub(e.RequestedAt) >= timeout {
			e.State = DownloadCancelled
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}
