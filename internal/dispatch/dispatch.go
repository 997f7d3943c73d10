// Package dispatch implements the Dispatcher: one HTTP call per endpoint,
// with timeout, size cap, and header/body encoding (spec.md §4.3),
// grounded on the webFetchSkill HTTP client
// (pkg/goclaw/skills/builtin_adapter.go), generalized with redirect
// limits, a response-size cap, and scheme whitelisting per §6.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
)

// userAgent identifies this scheduler on every outbound request (spec.md §6).
const userAgent = "cronicorn-scheduler/1.0"

// absoluteTimeoutCeiling is the hard 60s ceiling spec.md §4.3 mandates
// regardless of per-endpoint configuration.
const absoluteTimeoutCeiling = 60 * time.Second

const defaultMaxResponseSizeKb = 256

// OutcomeKind discriminates the dispatch outcome variants of spec.md §4.3.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	HTTPFailure
	Timeout
	NetworkFailure
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Kind         OutcomeKind
	StatusCode   int
	DurationMs   int64
	Body         jsonval.Value
	Truncated    bool
	ErrorMessage string
}

// Dispatcher sends one HTTP call per endpoint using a shared client so
// connections are reused across ticks.
type Dispatcher struct {
	client *http.Client
}

// New creates a Dispatcher. The underlying client follows up to 3
// redirects and never performs its own timeout — per-call deadlines are
// applied via context so each dispatch can honor its own endpoint config.
func New() *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
	}
}

// Dispatch executes one HTTP call for the given endpoint snapshot. It
// never returns an error: every failure mode becomes an Outcome, per
// spec.md §4.3 ("Never throws; all errors become NetworkFailure").
func (d *Dispatcher) Dispatch(ctx context.Context, ep *model.JobEndpoint) Outcome {
	timeout := effectiveTimeout(ep)

	parsed, err := url.Parse(ep.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Outcome{Kind: NetworkFailure, ErrorMessage: "endpoint url must be http or https"}
	}

	var bodyReader io.Reader
	if !ep.BodyJson.IsNull() {
		b, err := jsonval.Encode(ep.BodyJson)
		if err != nil {
			return Outcome{Kind: NetworkFailure, ErrorMessage: fmt.Sprintf("encode body: %v", err)}
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, string(ep.Method), ep.URL, bodyReader)
	if err != nil {
		return Outcome{Kind: NetworkFailure, ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.HeadersJson.ToStringMap() {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return Outcome{Kind: Timeout, DurationMs: durationMs(timeout)}
		}
		return Outcome{Kind: NetworkFailure, DurationMs: durationMs(duration), ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()

	maxBytes := maxResponseSizeBytes(ep)
	limited := io.LimitReader(resp.Body, maxBytes+1)
	data, readErr := io.ReadAll(limited)
	truncated := int64(len(data)) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}
	if readErr != nil && readErr != io.EOF {
		return Outcome{Kind: NetworkFailure, DurationMs: durationMs(duration), ErrorMessage: readErr.Error()}
	}

	body := bodyValue(data)

	kind := Success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind = HTTPFailure
	}

	return Outcome{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		DurationMs: durationMs(duration),
		Body:       body,
		Truncated:  truncated,
	}
}

func effectiveTimeout(ep *model.JobEndpoint) time.Duration {
	timeout := time.Duration(ep.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = absoluteTimeoutCeiling
	}
	if ep.MaxExecutionTimeMs != nil {
		if m := time.Duration(*ep.MaxExecutionTimeMs) * time.Millisecond; m < timeout {
			timeout = m
		}
	}
	if timeout > absoluteTimeoutCeiling {
		timeout = absoluteTimeoutCeiling
	}
	return timeout
}

func maxResponseSizeBytes(ep *model.JobEndpoint) int64 {
	kb := int64(defaultMaxResponseSizeKb)
	if ep.MaxResponseSizeKb != nil {
		kb = *ep.MaxResponseSizeKb
	}
	return kb * 1024
}

func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}

// bodyValue wraps a raw response payload, preferring a parsed JSON value
// but falling back to a raw string so non-JSON bodies are still captured.
func bodyValue(data []byte) jsonval.Value {
	if len(data) == 0 {
		return jsonval.Null()
	}
	v, err := jsonval.Parse(data)
	if err != nil {
		return jsonval.String(string(data))
	}
	return v
}
