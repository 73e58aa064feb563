package engine

import (
	"log/slog"

	"github.com/roach88/xdcshop/internal/catalog"
)

// logEventError logs a failed event once. Dropped duplicates and echoes are
// logged at Debug.
func logEventError(ev event, err error) {
	attrs := []any{"event", ev.typ.String(), "error", err}
	switch ev.typ {
	case eventInbound:
		attrs = append(attrs, "serial", ev.message.Serial)
	case eventRequestDownload:
		attrs = append(attrs, "item_id", ev.itemID)
	}

	if catalog.IsPersistenceFailure(err) {
		attrs = append(attrs, "code", catalog.ErrCodePersistenceFailure)
		slog.Error("event persistence failed", attrs...)
		return
	}

	code := catalog.CodeOf(err)
	if code != "" {
		attrs = append(attrs, "code", code)
	}

	switch code {
	case catalog.ErrCodeStaleMessage, catalog.ErrCodeSelfEcho:
		slog.Debug("event dropped", attrs...)
	case catalog.ErrCodeUnknownCorrelation,
		catalog.ErrCodeInvalidTransition,
		catalog.ErrCodeUnknownItem,
		catalog.ErrCodeMalformedPayload:
		slog.Warn("event rejected", attrs...)
	default:
		slog.Error("event processing failed", attrs...)
	}
}
