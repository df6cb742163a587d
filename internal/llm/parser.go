// Package llm drives one completion round-trip against an upstream model
// backend: vendor-specific stream parsing, incremental text extraction, and
// the request orchestrator with timeout and cancellation.
package llm

import (
	"encoding/json"
	"log/slog"
	"strings"

	"chatrelay/internal/sse"
)

// Outcome is the result of parsing one stream record. The zero value is a
// no-op (record ignored). Finish terminates the stream; Data carries a
// decoded JSON fragment.
type Outcome struct {
	Finish bool
	Data   json.RawMessage
}

// doneSentinel terminates OpenAI-compatible streams.
const doneSentinel = "[DONE]"

// parseOpenAI handles the generic data-only protocol: no event names, a
// literal [DONE] sentinel, every other record a JSON fragment.
func parseOpenAI(rec sse.Record, logger *slog.Logger) Outcome {
	if strings.HasPrefix(rec.Data, doneSentinel) {
		return Outcome{Finish: true}
	}
	if rec.Event != "" {
		return Outcome{}
	}
	return fragment(rec.Data, logger)
}

// parseCohere dispatches on event name: text-generation carries a fragment,
// stream-end terminates, anything else (stream-start et al.) is a no-op.
func parseCohere(rec sse.Record, logger *slog.Logger) Outcome {
	switch rec.Event {
	case "text-generation":
		return fragment(rec.Data, logger)
	case "stream-end":
		return Outcome{Finish: true}
	default:
		return Outcome{}
	}
}

// parseAnthropic dispatches on event name: content_block_delta carries a
// fragment, message_stop terminates, block/message start/stop markers and
// pings are no-ops.
func parseAnthropic(rec sse.Record, logger *slog.Logger) Outcome {
	switch rec.Event {
	case "content_block_delta":
		return fragment(rec.Data, logger)
	case "message_stop":
		return Outcome{Finish: true}
	default:
		return Outcome{}
	}
}

// fragment validates the record payload as JSON. A malformed payload is
// logged and swallowed; one bad fragment must not abort a healthy stream.
func fragment(data string, logger *slog.Logger) Outcome {
	if !json.Valid([]byte(data)) {
		logger.Warn("malformed stream fragment dropped", "data_len", len(data))
		return Outcome{}
	}
	return Outcome{Data: json.RawMessage(data)}
}
