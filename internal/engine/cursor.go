package engine

import "github.com/roach88/xdcshop/internal/store"

// Observation is the outcome of checking a transport serial against the cursor.
type Observation int

const (
	// Fresh means the serial is past the cursor and has been recorded.
	Fresh Observation = iota + 1
	// Duplicate means the serial was already processed.
	Duplicate
)

func (o Observation) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Cursor tracks the two serial spaces: transport deliveries and catalog
// update batches. Both only move forward.
//
// Not safe for concurrent use; owned by the Run loop.
type Cursor struct {
	pos store.Position
}

// NewCursor starts a cursor at pos.
func NewCursor(pos store.Position) *Cursor {
	return &Cursor{pos: pos}
}

// Position returns the current position for persistence.
func (c *Cursor) Position() store.Position {
	return c.pos
}

// FirstBatch reports whether no catalog update has ever been merged.
func (c *Cursor) FirstBatch() bool {
	return !c.pos.UpdateSeen
}

// Observe checks a transport serial. A serial at or below the last one seen
// is a Duplicate; otherwise it becomes the new position and Fresh is returned.
func (c *Cursor) Observe(streamSerial int64) Observation {
	if streamSerial <= c.pos.LastStreamSerial {
		return Duplicate
	}
	c.pos.LastStreamSerial = streamSerial
	return Fresh
}

// AcceptUpdate checks a catalog update serial. It returns false for a batch
// at or below the last merged serial. The very first batch is always
// accepted, whatever its serial.
func (c *Cursor) AcceptUpdate(serial int64) bool {
	if c.pos.UpdateSeen && serial <= c.pos.LastUpdateSerial {
		return false
	}
	c.pos.LastUpdateSerial = serial
	c.pos.UpdateSeen = true
	return true
}

// Restore moves the cursor forward to pos, never backward.
func (c *Cursor) Restore(pos store.Position) {
	c.pos.LastStreamSerial = max(c.pos.LastStreamSerial, pos.LastStreamSerial)
	c.pos.LastUpdateSerial = max(c.pos.LastUpdateSerial, pos.LastUpdateSerial)
	c.pos.UpdateSeen = c.pos.UpdateSeen || pos.UpdateSeen
}
