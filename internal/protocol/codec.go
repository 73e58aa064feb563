package protocol

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/xdcshop/internal/catalog"
)

// Decode classifies and parses a delivery. The discriminant is decided here
// once; consumers switch on Message.Kind.
func Decode(rm ReceivedMessage) (Message, error) {
	msg := Message{Serial: rm.Serial}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rm.Payload, &fields); err != nil {
		return msg, malformed(rm.Serial, err)
	}

	switch {
	case has(fields, "app_infos"):
		var u CatalogUpdate
		if err := json.Unmarshal(rm.Payload, &u); err != nil {
			return msg, malformed(rm.Serial, err)
		}
		for i := range u.AppInfos {
			normalizeItem(&u.AppInfos[i])
		}
		msg.Kind = KindCatalogUpdate
		msg.Update = &u

	case has(fields, "okay"):
		var d DownloadResult
		if err := json.Unmarshal(rm.Payload, &d); err != nil {
			return msg, malformed(rm.Serial, err)
		}
		msg.Kind = KindDownloadResult
		msg.Download = &d

	case has(fields, "request_id"), has(fields, "Update"), has(fields, "Download"):
		var r Request
		if err := json.Unmarshal(rm.Payload, &r); err != nil {
			return msg, malformed(rm.Serial, err)
		}
		msg.Kind = KindRequest
		msg.Request = &r

	default:
		return msg, malformed(rm.Serial, fmt.Errorf("no known discriminant field"))
	}

	return msg, nil
}

// EncodeRequest renders an outbound request payload.
func EncodeRequest(r Request) (json.RawMessage, error) {
	if (r.Update == nil) == (r.Download == nil) {
		return nil, fmt.Errorf("request must carry exactly one of Update or Download")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

// EncodeCatalogUpdate renders a catalog update payload. Used by backends and
// test transports.
func EncodeCatalogUpdate(u CatalogUpdate) (json.RawMessage, error) {
	if u.AppInfos == nil {
		u.AppInfos = []catalog.Item{}
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode catalog update: %w", err)
	}
	return b, nil
}

// EncodeDownloadResult renders a download result payload.
func EncodeDownloadResult(d DownloadResult) (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode download result: %w", err)
	}
	return b, nil
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func malformed(serial int64, err error) error {
	return &catalog.Error{
		Code:    catalog.ErrCodeMalformedPayload,
		Message: "cannot decode payload",
		Serial:  serial,
		Err:     err,
	}
}

// normalizeItem puts text fields in NFC so equal names from different
// platforms compare and search equal.
func normalizeItem(it *catalog.Item) {
	for _, f := range []**string{&it.Name, &it.Description, &it.AuthorName, &it.AuthorEmail, &it.SourceCodeURL, &it.Version} {
		if *f == nil {
			continue
		}
		s := norm.NFC.String(**f)
		*f = &s
	}
}
