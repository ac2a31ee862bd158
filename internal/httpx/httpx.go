// Package httpx provides the retrying HTTP client used for the fleet
// bootstrap and robot-code lookup calls, mirroring the retrying session the
// legacy agent built on urllib3's Retry adapter.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("httpx")

// Client wraps net/http.Client with exponential-backoff retries for
// transient failures (network errors and 5xx responses).
type Client struct {
	http    *http.Client
	retries uint64
}

// New builds a Client with the given timeout and maximum retry count.
func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		retries: uint64(retries),
	}
}

// GetJSON issues a GET request and decodes a JSON response into out,
// retrying transient failures with exponential backoff.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", errs.ErrHTTPFailure, err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			log.WithError(err).Warn("http request failed, retrying")
			return fmt.Errorf("%w: %v", errs.ErrHTTPFailure, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read body: %v", errs.ErrHTTPFailure, err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", errs.ErrHTTPFailure, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", errs.ErrHTTPFailure, resp.StatusCode, string(body)))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode: %v", errs.ErrHTTPFailure, err))
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
