package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"chatrelay/internal/sse"
)

// Vendor is the closed capability set for one upstream protocol: stream
// record parsing plus the three extractors the orchestrator needs. Exactly
// one vendor is selected per backend at configuration time.
type Vendor interface {
	Name() string
	// Parse interprets one stream record.
	Parse(rec sse.Record, logger *slog.Logger) Outcome
	// ExtractDelta pulls the incremental text out of a decoded fragment.
	ExtractDelta(frag json.RawMessage) string
	// ExtractError returns the vendor's error message from a non-streaming
	// body, empty if the body carries no error.
	ExtractError(body json.RawMessage) string
	// ExtractFullText returns the complete answer from a non-streaming body.
	ExtractFullText(body json.RawMessage) string
	// BuildBody marshals one chat turn into the vendor's request shape.
	BuildBody(p ChatParams) ([]byte, error)
	// Header returns the vendor's auth and version headers.
	Header(apiKey string) http.Header
}

// VendorByName resolves a configured vendor name.
func VendorByName(name string) (Vendor, error) {
	switch name {
	case "openai", "":
		return openaiVendor{}, nil
	case "cohere":
		return cohereVendor{}, nil
	case "anthropic":
		return anthropicVendor{}, nil
	}
	return nil, fmt.Errorf("unknown vendor %q", name)
}

type openaiVendor struct{}

func (openaiVendor) Name() string { return "openai" }

func (openaiVendor) Parse(rec sse.Record, logger *slog.Logger) Outcome {
	return parseOpenAI(rec, logger)
}

func (openaiVendor) ExtractDelta(frag json.RawMessage) string {
	var v struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if json.Unmarshal(frag, &v) != nil || len(v.Choices) == 0 {
		return ""
	}
	return v.Choices[0].Delta.Content
}

func (openaiVendor) ExtractError(body json.RawMessage) string {
	var v struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &v) != nil || v.Error == nil {
		return ""
	}
	return v.Error.Message
}

func (openaiVendor) ExtractFullText(body json.RawMessage) string {
	var v struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(body, &v) != nil || len(v.Choices) == 0 {
		return ""
	}
	return v.Choices[0].Message.Content
}

type cohereVendor struct{}

func (cohereVendor) Name() string { return "cohere" }

func (cohereVendor) Parse(rec sse.Record, logger *slog.Logger) Outcome {
	return parseCohere(rec, logger)
}

func (cohereVendor) ExtractDelta(frag json.RawMessage) string {
	var v struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(frag, &v) != nil {
		return ""
	}
	return v.Text
}

func (cohereVendor) ExtractError(body json.RawMessage) string {
	var v struct {
		Message string `json:"message"`
	}
	// Cohere reports errors as a bare message field; a normal completion body
	// has text instead.
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	return v.Message
}

func (cohereVendor) ExtractFullText(body json.RawMessage) string {
	var v struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	return v.Text
}

type anthropicVendor struct{}

func (anthropicVendor) Name() string { return "anthropic" }

func (anthropicVendor) Parse(rec sse.Record, logger *slog.Logger) Outcome {
	return parseAnthropic(rec, logger)
}

func (anthropicVendor) ExtractDelta(frag json.RawMessage) string {
	var v struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if json.Unmarshal(frag, &v) != nil {
		return ""
	}
	return v.Delta.Text
}

func (anthropicVendor) ExtractError(body json.RawMessage) string {
	var v struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &v) != nil || v.Error == nil {
		return ""
	}
	return v.Error.Message
}

func (anthropicVendor) ExtractFullText(body json.RawMessage) string {
	var v struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	for _, block := range v.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}
