package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/sse"
)

const (
	defaultFlushStart = 50
	defaultFlushGrow  = 20
	readChunkSize     = 4096
)

// Orchestrator issues one completion round-trip. With an OnStream callback
// and an event-stream response it pulls fragments through the framer, event
// decoder, and the vendor's parser; otherwise it parses a single JSON body.
type Orchestrator struct {
	client     *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	flushStart int
	flushGrow  int
}

// OrchestratorConfig configures the orchestrator. Timeout 0 disables the
// deadline entirely. FlushStart/FlushGrow default to 50 and 20.
type OrchestratorConfig struct {
	Client     *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
	FlushStart int
	FlushGrow  int
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.FlushStart <= 0 {
		cfg.FlushStart = defaultFlushStart
	}
	if cfg.FlushGrow <= 0 {
		cfg.FlushGrow = defaultFlushGrow
	}
	return &Orchestrator{
		client:     cfg.Client,
		logger:     cfg.Logger,
		timeout:    cfg.Timeout,
		flushStart: cfg.FlushStart,
		flushGrow:  cfg.FlushGrow,
	}
}

// Request describes one outbound completion call. Header and Body are
// vendor-shaped by the caller; the orchestrator only owns transport, timing,
// and stream decoding.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
	Vendor Vendor

	// OnStream receives the accumulated partial text (with a trailing
	// continuation cue) each time the unflushed length crosses the growing
	// threshold. Nil disables streaming.
	OnStream func(partial string) error

	// OnResult observes the raw non-streaming response body before full-text
	// extraction, for callers that persist API metadata.
	OnResult func(body json.RawMessage) error
}

// Complete performs the round-trip and returns the full response text.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	contentType := mediaType(resp.Header.Get("Content-Type"))
	streamed := req.OnStream != nil &&
		resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		(contentType == "text/event-stream" || contentType == "application/x-ndjson")

	if streamed {
		return o.consumeStream(ctx, resp.Body, req, contentType == "application/x-ndjson")
	}
	return o.parseBody(resp, req)
}

// consumeStream reads the body chunk by chunk, frames lines, decodes records,
// and accumulates extracted deltas. Iteration errors are captured inline as a
// trailing ERROR marker so partial output survives; a caller-initiated cancel
// ends the stream quietly.
func (o *Orchestrator) consumeStream(ctx context.Context, body io.Reader, req Request, ndjson bool) (string, error) {
	framer := sse.NewFramer()
	decoder := sse.NewEventDecoder()

	var full strings.Builder
	unflushed := 0
	threshold := o.flushStart
	flushes := 0

	// handleRecord returns true when iteration must stop, either on the
	// vendor's terminal record or a callback failure (captured inline so the
	// partial text survives).
	handleRecord := func(rec *sse.Record) bool {
		out := req.Vendor.Parse(*rec, o.logger)
		if out.Finish {
			return true
		}
		if out.Data == nil {
			return false
		}
		delta := req.Vendor.ExtractDelta(out.Data)
		if delta == "" {
			return false
		}
		full.WriteString(delta)
		unflushed += len(delta)
		if unflushed > threshold {
			if err := req.OnStream(full.String() + "\n..."); err != nil {
				full.WriteString("\nERROR: " + err.Error())
				return true
			}
			unflushed = 0
			threshold += o.flushGrow
			flushes++
		}
		return false
	}

	// lineRecords turns one framed line into zero or more records. In NDJSON
	// mode every non-empty line is its own payload; in SSE mode lines feed
	// the event decoder.
	lineRecords := func(line string) *sse.Record {
		if ndjson {
			if strings.TrimSpace(line) == "" {
				return nil
			}
			return &sse.Record{Data: line}
		}
		return decoder.Decode(line)
	}

	buf := make([]byte, readChunkSize)
	done := false
	for !done {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range framer.Decode(buf[:n]) {
				if rec := lineRecords(line); rec != nil && handleRecord(rec) {
					done = true
					break
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				o.logger.Debug("stream cancelled", "received", full.Len())
				break
			}
			full.WriteString("\nERROR: " + err.Error())
			break
		}
	}

	// Surface a trailing unterminated record, if any.
	if !done {
		for _, line := range framer.Flush() {
			if rec := lineRecords(line); rec != nil && handleRecord(rec) {
				done = true
			}
		}
		if !done && !ndjson {
			if rec := decoder.Flush(); rec != nil {
				handleRecord(rec)
			}
		}
	}

	o.logger.Debug("stream complete", "chars", full.Len(), "flushes", flushes)
	return full.String(), nil
}

// parseBody handles the non-streaming path: a single JSON body, vendor error
// detection, optional result callback, full-text extraction.
func (o *Orchestrator) parseBody(resp *http.Response, req Request) (string, error) {
	contentType := mediaType(resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if !strings.HasSuffix(contentType, "json") {
		return "", fmt.Errorf("unexpected content type %q (status %d): %s", contentType, resp.StatusCode, truncate(string(body), 256))
	}

	if msg := req.Vendor.ExtractError(body); msg != "" {
		return "", fmt.Errorf("%s: %s", req.Vendor.Name(), msg)
	}
	// Failure bodies do not always match the vendor's error shape; the status
	// line is still an error.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s: status %d: %s", req.Vendor.Name(), resp.StatusCode, truncate(string(body), 256))
	}
	if req.OnResult != nil {
		if err := req.OnResult(body); err != nil {
			return "", fmt.Errorf("result callback: %w (body: %s)", err, truncate(string(body), 256))
		}
	}
	return req.Vendor.ExtractFullText(body), nil
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
