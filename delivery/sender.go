package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/signature"
)

// userAgent identifies the platform on every outbound callback.
const userAgent = "Lettermill-Webhook/1.0"

// DefaultCaptureLimit bounds how much of a response body is stored on the
// delivery record.
const DefaultCaptureLimit = 1000

// testPayload is the synthetic body for on-demand test deliveries. Its
// signature base string ("{ts}.{\"message\":\"ping\"}") is part of the
// cross-implementation compatibility contract.
var testPayload = []byte(`{"message":"ping"}`)

// Sender performs the HTTP delivery attempt: it builds the canonical signed
// request, sends it, and classifies the outcome.
type Sender struct {
	client       *http.Client
	captureLimit int
}

// NewSender creates a sender with the given per-attempt timeout and
// response body capture limit. Non-positive captureLimit falls back to
// DefaultCaptureLimit.
func NewSender(timeout time.Duration, captureLimit int) *Sender {
	if captureLimit <= 0 {
		captureLimit = DefaultCaptureLimit
	}
	return &Sender{
		client:       &http.Client{Timeout: timeout},
		captureLimit: captureLimit,
	}
}

// wireBody is the canonical webhook body. Field order is part of the wire
// contract.
type wireBody struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Send delivers an event to an endpoint and returns the classified result.
func (s *Sender) Send(ctx context.Context, ep *endpoint.Endpoint, evt *event.Event) Result {
	body, err := json.Marshal(wireBody{
		ID:        evt.ID.String(),
		Type:      evt.Type.String(),
		Timestamp: evt.OccurredAt.UTC().Format(time.RFC3339),
		Data:      evt.WireData(),
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("marshal payload: %v", err)}
	}

	return s.post(ctx, ep, body)
}

// SendTest performs a synchronous test delivery with the synthetic ping
// payload, bypassing fan-out and scheduling entirely.
func (s *Sender) SendTest(ctx context.Context, ep *endpoint.Endpoint) Result {
	return s.post(ctx, ep, testPayload)
}

// post issues one signed HTTP POST and classifies the outcome: 2xx is
// success, everything else (including transport errors) is a failure with
// the response body captured up to the configured limit.
func (s *Sender) post(ctx context.Context, ep *endpoint.Endpoint, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("create request: %v", err)}
	}

	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Webhook-Signature", signature.Sign(body, ep.Secret, ts))

	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req) //nolint:gosec // URL is a tenant-configured webhook destination.
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return Result{
			Error:     err.Error(),
			LatencyMs: int(latency),
		}
	}
	defer resp.Body.Close()

	excerpt, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(s.captureLimit)))
	if readErr != nil {
		return Result{
			StatusCode: resp.StatusCode,
			Success:    false,
			Error:      fmt.Sprintf("read response: %v", readErr),
			LatencyMs:  int(latency),
		}
	}

	return Result{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Response:   string(excerpt),
		LatencyMs:  int(latency),
	}
}
