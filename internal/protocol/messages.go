package protocol

import (
	"encoding/json"

	"github.com/roach88/xdcshop/internal/catalog"
)

// ReceivedMessage is one delivery from the transport. Serial is the
// transport-level position and is unrelated to CatalogUpdate.Serial.
type ReceivedMessage struct {
	Serial  int64           `json:"serial"`
	Payload json.RawMessage `json:"payload"`
}

// StatusUpdate is the envelope handed to the transport on send.
// Descr is a short human-readable summary some transports display.
type StatusUpdate struct {
	Payload json.RawMessage `json:"payload"`
	Descr   string          `json:"descr,omitempty"`
}

// Kind discriminates inbound payloads.
type Kind int

const (
	// KindUnknown is never produced by a successful Decode.
	KindUnknown Kind = iota
	// KindCatalogUpdate carries a full or partial catalog batch.
	KindCatalogUpdate
	// KindDownloadResult answers an earlier download request.
	KindDownloadResult
	// KindRequest is an outbound request seen on the shared channel.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindCatalogUpdate:
		return "catalog_update"
	case KindDownloadResult:
		return "download_result"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// CatalogUpdate is the backend's answer to a refresh request.
type CatalogUpdate struct {
	AppInfos []catalog.Item `json:"app_infos"`
	Serial   int64          `json:"serial"`
}

// DownloadResult reports whether a requested app was delivered.
type DownloadResult struct {
	ID   catalog.ItemID `json:"id"`
	Okay bool           `json:"okay"`
}

// Request is an outbound shop request. Exactly one of Update or Download is set.
type Request struct {
	RequestID string           `json:"request_id,omitempty"`
	Update    *UpdateRequest   `json:"Update,omitempty"`
	Download  *DownloadRequest `json:"Download,omitempty"`
}

// UpdateRequest asks for every change after Serial.
type UpdateRequest struct {
	Serial int64 `json:"serial"`
}

// DownloadRequest asks the backend to deliver an app.
type DownloadRequest struct {
	AppID catalog.ItemID `json:"app_id"`
}

// Describe summarises the request for transport descr fields and logs.
func (r Request) Describe() string {
	switch {
	case r.Update != nil:
		return "update request"
	case r.Download != nil:
		return "download request for app " + r.Download.AppID.String()
	default:
		return "empty request"
	}
}

// Message is a decoded inbound delivery. Exactly one payload pointer is set,
// matching Kind.
type Message struct {
	Serial   int64
	Kind     Kind
	Update   *CatalogUpdate
	Download *DownloadResult
	Request  *Request
}
