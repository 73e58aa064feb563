package harness

import (
	"bytes"
	"fmt"
)

// TraceEvent records one scenario step and the client state after it.
type TraceEvent struct {
	// Step is the 1-based index of the step in the scenario.
	Step int `json:"step"`

	// Op describes the action, e.g. "deliver update serial=1 items=2".
	Op string `json:"op"`

	// Outcome is what the action reported, e.g. "stream 3" or "ignored".
	Outcome string `json:"outcome,omitempty"`

	// Sent holds the payloads the client sent during the step.
	Sent []string `json:"sent,omitempty"`

	// Entries renders the catalog, one line per entry in id order.
	Entries []string `json:"entries"`

	// Cursor renders the published sync position.
	Cursor string `json:"cursor"`

	// Updating is the refresh indicator.
	Updating bool `json:"updating,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect step matched.
	Pass bool `json:"pass"`

	// Trace contains one event per action step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Render formats the trace as stable text for golden comparison.
func (r *Result) Render(name string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, ev := range r.Trace {
		fmt.Fprintf(&b, "[%d] %s", ev.Step, ev.Op)
		if ev.Outcome != "" {
			fmt.Fprintf(&b, " -> %s", ev.Outcome)
		}
		b.WriteByte('\n')
		for _, s := range ev.Sent {
			fmt.Fprintf(&b, "    sent %s\n", s)
		}
		for _, e := range ev.Entries {
			fmt.Fprintf(&b, "    %s\n", e)
		}
		fmt.Fprintf(&b, "    %s\n", ev.Cursor)
		if ev.Updating {
			b.WriteString("    updating\n")
		}
	}
	return b.Bytes()
}
