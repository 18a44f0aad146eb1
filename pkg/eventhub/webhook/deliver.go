package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
)

// DefaultTimeout bounds one delivery POST.
const DefaultTimeout = 10 * time.Second

// maxErrorBody is how much of a failed response body is kept.
const maxErrorBody = 512

// Request is one signed delivery attempt.
type Request struct {
	URL        string
	DeliveryID string
	EventType  string
	Signature  string
	Body       []byte
}

// Deliverer POSTs signed payloads.
type Deliverer struct {
	client  *http.Client
	timeout time.Duration
}

// NewDeliverer creates a Deliverer. A nil client means http.DefaultClient,
// a zero timeout means DefaultTimeout.
func NewDeliverer(client *http.Client, timeout time.Duration) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Deliverer{client: client, timeout: timeout}
}

// Deliver POSTs req and returns the response status. Any non-2xx status is
// an *errors.HTTPError; transport failures return status 0.
func (d *Deliverer) Deliver(ctx context.Context, req Request) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, hberrors.Permanent(err, "build webhook request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "eventhub-webhooks/1")
	httpReq.Header.Set(HeaderSignature, req.Signature)
	httpReq.Header.Set(HeaderDelivery, req.DeliveryID)
	httpReq.Header.Set(HeaderEvent, req.EventType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, &hberrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(msg),
		Endpoint:   req.URL,
	}
}
