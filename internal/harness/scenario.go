package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/xdcshop/internal/catalog"
)

// Scenario is a scripted session against a fresh catalog client.
// Steps run in order; every step except expect adds one event to the trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Retry is the retry policy name: never, cancelled or always.
	// Empty means never.
	Retry string `yaml:"retry,omitempty"`

	// DownloadTimeout cancels downloads left unanswered this long.
	// Empty disables the timeout.
	DownloadTimeout string `yaml:"download_timeout,omitempty"`

	// Seed is written to the store before the client starts.
	Seed *Seed `yaml:"seed,omitempty"`

	// Steps is the session script.
	Steps []Step `yaml:"steps"`
}

// Seed is durable state left behind by an earlier session.
type Seed struct {
	Items  []ItemSpec  `yaml:"items,omitempty"`
	Cursor *CursorSpec `yaml:"cursor,omitempty"`
}

// ItemSpec is an app entry as written in scenario files. Absent fields
// stay absent so partial updates can be expressed.
type ItemSpec struct {
	ID            int64   `yaml:"id"`
	Name          *string `yaml:"name,omitempty"`
	Description   *string `yaml:"description,omitempty"`
	AuthorName    *string `yaml:"author_name,omitempty"`
	AuthorEmail   *string `yaml:"author_email,omitempty"`
	SourceCodeURL *string `yaml:"source_code_url,omitempty"`
	Version       *string `yaml:"version,omitempty"`
	Image         *string `yaml:"image,omitempty"`
}

// Item converts s to a catalog item.
func (s ItemSpec) Item() catalog.Item {
	return catalog.Item{
		ID:            catalog.ItemID(s.ID),
		Name:          s.Name,
		Description:   s.Description,
		AuthorName:    s.AuthorName,
		AuthorEmail:   s.AuthorEmail,
		SourceCodeURL: s.SourceCodeURL,
		Version:       s.Version,
		Image:         s.Image,
	}
}

// CursorSpec is a stored sync position.
type CursorSpec struct {
	Stream     int64 `yaml:"stream"`
	Update     int64 `yaml:"update"`
	UpdateSeen bool  `yaml:"update_seen"`
}

// Step is one scripted action. Exactly one field must be set.
type Step struct {
	// Deliver publishes a backend message on the shared channel.
	Deliver *Delivery `yaml:"deliver,omitempty"`

	// Redeliver replays every channel message after the given serial.
	Redeliver *int64 `yaml:"redeliver,omitempty"`

	// RequestDownload asks for the item with this id.
	RequestDownload *int64 `yaml:"request_download,omitempty"`

	// Refresh asks the backend for catalog changes.
	Refresh bool `yaml:"refresh,omitempty"`

	// Advance moves the scenario clock forward by a Go duration.
	Advance string `yaml:"advance,omitempty"`

	// Sweep expires timed out downloads.
	Sweep bool `yaml:"sweep,omitempty"`

	// Restart stops the client and starts a new one over the same store
	// and channel.
	Restart bool `yaml:"restart,omitempty"`

	// FailStore makes every following store write fail (true) or succeed
	// again (false).
	FailStore *bool `yaml:"fail_store,omitempty"`

	// Expect checks the client's current state. It adds nothing to the trace.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Delivery is a backend message. Exactly one field must be set.
type Delivery struct {
	Update *UpdateSpec `yaml:"update,omitempty"`
	Result *ResultSpec `yaml:"result,omitempty"`

	// Raw is sent verbatim, for malformed or foreign payloads.
	Raw string `yaml:"raw,omitempty"`
}

// UpdateSpec is a catalog update batch.
type UpdateSpec struct {
	Serial   int64      `yaml:"serial"`
	AppInfos []ItemSpec `yaml:"app_infos"`
}

// ResultSpec is a download result.
type ResultSpec struct {
	ID   int64 `yaml:"id"`
	Okay bool  `yaml:"okay"`
}

// Expect is a subset match on the client's state. Unset fields are not checked.
type Expect struct {
	// Entries are matched by id; only the listed fields are compared.
	Entries []EntryExpect `yaml:"entries,omitempty"`

	// Count is the number of catalog entries.
	Count *int `yaml:"count,omitempty"`

	// Cursor is the published sync position.
	Cursor *CursorExpect `yaml:"cursor,omitempty"`

	// Updating is the refresh indicator.
	Updating *bool `yaml:"updating,omitempty"`

	// Sent is the number of requests this client has sent.
	Sent *int `yaml:"sent,omitempty"`

	// Stored is the number of items in the durable store.
	Stored *int `yaml:"stored,omitempty"`

	// Search lists the ids a query must return, in rank order.
	Search *SearchExpect `yaml:"search,omitempty"`
}

// EntryExpect matches one catalog entry.
type EntryExpect struct {
	ID          int64   `yaml:"id"`
	State       string  `yaml:"state,omitempty"`
	Name        *string `yaml:"name,omitempty"`
	Description *string `yaml:"description,omitempty"`
	Version     *string `yaml:"version,omitempty"`
	Complete    *bool   `yaml:"complete,omitempty"`
}

// CursorExpect matches the sync position.
type CursorExpect struct {
	Stream *int64 `yaml:"stream,omitempty"`
	Update *int64 `yaml:"update,omitempty"`
}

// SearchExpect matches a ranked search.
type SearchExpect struct {
	Query string  `yaml:"query"`
	IDs   []int64 `yaml:"ids"`
}

// LoadScenario loads and validates a scenario from a YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Retry != "" {
		if _, err := catalog.ParseRetryPolicy(s.Retry); err != nil {
			return err
		}
	}
	if s.DownloadTimeout != "" {
		if _, err := time.ParseDuration(s.DownloadTimeout); err != nil {
			return fmt.Errorf("download_timeout: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, present := range []bool{
		st.Deliver != nil,
		st.Redeliver != nil,
		st.RequestDownload != nil,
		st.Refresh,
		st.Advance != "",
		st.Sweep,
		st.Restart,
		st.FailStore != nil,
		st.Expect != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	if st.Advance != "" {
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d].advance: must not be negative", index)
		}
	}

	if d := st.Deliver; d != nil {
		n := 0
		for _, present := range []bool{d.Update != nil, d.Result != nil, d.Raw != ""} {
			if present {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("steps[%d].deliver: exactly one of update, result or raw is required", index)
		}
	}

	if e := st.Expect; e != nil {
		for j, entry := range e.Entries {
			if entry.State == "" {
				continue
			}
			var state catalog.LifecycleState
			if err := state.UnmarshalText([]byte(entry.State)); err != nil {
				return fmt.Errorf("steps[%d].expect.entries[%d]: %w", index, j, err)
			}
		}
	}
	return nil
}
