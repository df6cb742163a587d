package llm

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chatrelay/internal/domain"
)

const anthropicAPIVersion = "2023-06-01"

// ChatParams is one conversational turn as handed to a backend: the new
// message, its images, the working history copy, and the system prompt.
// History must be the caller's working copy, never the store-backed list.
type ChatParams struct {
	Message   string
	Images    []string
	History   []domain.HistoryEntry
	Prompt    string
	Model     string
	MaxTokens int
	Stream    bool
}

// Backend binds a vendor to a concrete endpoint, key, and model. It produces
// ready-to-send orchestrator requests for chat turns.
type Backend struct {
	URL    string
	APIKey string
	Model  string
	Vendor Vendor
}

// BuildRequest shapes one turn into an orchestrator request. OnStream nil
// yields a non-streaming request regardless of the vendor.
func (b *Backend) BuildRequest(p ChatParams, onStream func(string) error) (Request, error) {
	p.Model = b.Model
	p.Stream = onStream != nil
	body, err := b.Vendor.BuildBody(p)
	if err != nil {
		return Request{}, fmt.Errorf("build %s request: %w", b.Vendor.Name(), err)
	}
	return Request{
		URL:      b.URL,
		Header:   b.Vendor.Header(b.APIKey),
		Body:     body,
		Vendor:   b.Vendor,
		OnStream: onStream,
	}, nil
}

func (openaiVendor) Header(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func (openaiVendor) BuildBody(p ChatParams) ([]byte, error) {
	type contentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}
	type message struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	var msgs []message
	if p.Prompt != "" {
		msgs = append(msgs, message{Role: "system", Content: p.Prompt})
	}
	for _, e := range p.History {
		msgs = append(msgs, message{Role: e.Role, Content: e.Content})
	}
	if len(p.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: p.Message}}
		for _, img := range p.Images {
			part := contentPart{Type: "image_url", ImageURL: &struct {
				URL string `json:"url"`
			}{URL: img}}
			parts = append(parts, part)
		}
		msgs = append(msgs, message{Role: "user", Content: parts})
	} else {
		msgs = append(msgs, message{Role: "user", Content: p.Message})
	}

	return json.Marshal(map[string]any{
		"model":    p.Model,
		"messages": msgs,
		"stream":   p.Stream,
	})
}

func (anthropicVendor) Header(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}

func (anthropicVendor) BuildBody(p ChatParams) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	var msgs []message
	for _, e := range p.History {
		// System entries ride in the top-level system field for this vendor.
		if e.Role == "system" {
			continue
		}
		msgs = append(msgs, message{Role: e.Role, Content: e.Content})
	}
	msgs = append(msgs, message{Role: "user", Content: p.Message})

	body := map[string]any{
		"model":      p.Model,
		"max_tokens": maxTokens,
		"messages":   msgs,
		"stream":     p.Stream,
	}
	if p.Prompt != "" {
		body["system"] = p.Prompt
	}
	return json.Marshal(body)
}

func (cohereVendor) Header(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

func (cohereVendor) BuildBody(p ChatParams) ([]byte, error) {
	type turn struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	}

	var hist []turn
	for _, e := range p.History {
		role := "USER"
		if e.Role == "assistant" {
			role = "CHATBOT"
		}
		hist = append(hist, turn{Role: role, Message: e.Content})
	}

	body := map[string]any{
		"model":        p.Model,
		"message":      p.Message,
		"chat_history": hist,
		"stream":       p.Stream,
	}
	if p.Prompt != "" {
		body["preamble"] = p.Prompt
	}
	return json.Marshal(body)
}
