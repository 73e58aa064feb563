package catalog

import (
	"fmt"
	"strings"
)

// LifecycleState is the client-side download state of an item.
type LifecycleState int

const (
	// Initial is the state of every newly observed item.
	Initial LifecycleState = iota
	// Downloading means a download request was sent and no result has arrived.
	Downloading
	// Received means the backend delivered the app to the chat.
	Received
	// DownloadCancelled means the backend refused or gave up on the download.
	DownloadCancelled
)

var lifecycleNames = [...]string{
	Initial:           "Initial",
	Downloading:       "Downloading",
	Received:          "Received",
	DownloadCancelled: "DownloadCancelled",
}

func (s LifecycleState) String() string {
	if s < 0 || int(s) >= len(lifecycleNames) {
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
	return lifecycleNames[s]
}

// MarshalText renders the state by name so JSON output stays readable.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *LifecycleState) UnmarshalText(b []byte) error {
	for i, name := range lifecycleNames {
		if name == string(b) {
			*s = LifecycleState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", string(b))
}

// RetryPolicy decides whether a finished download may be requested again.
type RetryPolicy int

const (
	// RetryNever allows a download request only from Initial.
	RetryNever RetryPolicy = iota
	// RetryCancelled additionally allows DownloadCancelled -> Downloading.
	RetryCancelled
	// RetryAlways allows a new request from any state except Downloading.
	RetryAlways
)

// ParseRetryPolicy maps the configuration spelling to a policy.
// The empty string selects RetryNever.
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never":
		return RetryNever, nil
	case "cancelled", "canceled":
		return RetryCancelled, nil
	case "always":
		return RetryAlways, nil
	default:
		return RetryNever, fmt.Errorf("unknown retry policy %q", s)
	}
}

func (p RetryPolicy) String() string {
	switch p {
	case RetryNever:
		return "never"
	case RetryCancelled:
		return "cancelled"
	case RetryAlways:
		return "always"
	default:
		return fmt.Sprintf("RetryPolicy(%d)", int(p))
	}
}

// allowsRequestFrom reports whether requestDownload is valid from state s.
func (p RetryPolicy) allowsRequestFrom(s LifecycleState) bool {
	switch s {
	case Initial:
		return true
	case DownloadCancelled:
		return p == RetryCancelled || p == RetryAlways
	case Received:
		return p == RetryAlways
	default:
		return false
	}
}
