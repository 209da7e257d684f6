package payments

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"space_broker/internal/adapters/observability"
	"space_broker/internal/domain"
)

// Client talks to the payment gateway. Every call is bounded by the
// http client timeout; transient failures are retried with backoff.
// Retrying is safe because authorize carries the caller's idempotency
// key and capture/refund address an already-issued charge ref.
type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, key string, rps int) (*Client, error) {
	if key == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
		key:  key,
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

type authorizeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

type authorizeResponse struct {
	Ref string `json:"ref"`
}

func (c *Client) Authorize(ctx context.Context, req domain.ChargeRequest) (string, error) {
	body := authorizeRequest{AmountCents: int64(req.Amount), Method: req.Method}
	var out authorizeResponse
	err := c.post(ctx, c.base+"/v1/charges/authorize", req.IdempotencyKey, body, &out)
	if err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", fmt.Errorf("%w: gateway returned no charge ref", domain.ErrPaymentCapability)
	}
	return out.Ref, nil
}

func (c *Client) Capture(ctx context.Context, ref string) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/charges/%s/capture", c.base, ref), "", nil, nil)
}

func (c *Client) Refund(ctx context.Context, ref string) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/charges/%s/refund", c.base, ref), "", nil, nil)
}

// post performs a POST with client-side rate limiting and retries on
// 429/transient 5xx, honoring Retry-After when provided. Gateway
// rejections surface as domain.ErrPaymentCapability.
func (c *Client) post(ctx context.Context, url, idemKey string, in, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	start := time.Now()
	var lastErr error
	for i := 0; i < 4; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("X-API-Key", c.key)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", domain.ErrPaymentCapability, ctx.Err())
			}
			lastErr = err
			if i < 3 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			return fmt.Errorf("%w: %v", domain.ErrPaymentCapability, lastErr)
		}

		observability.ObserveExternal("payments", endpointLabel(url), resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			defer resp.Body.Close()
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)

		case http.StatusNoContent:
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil

		case http.StatusNotFound:
			resp.Body.Close()
			return domain.ErrNotFound

		case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("%w: declined: %s", domain.ErrPaymentCapability, strings.TrimSpace(string(b)))

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("gateway %d", resp.StatusCode)
			if i < 3 && sleepCtx(ctx, wait) {
				continue
			}
			return fmt.Errorf("%w: %v", domain.ErrPaymentCapability, lastErr)

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("%w: bad status %d: %s", domain.ErrPaymentCapability, resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}

	return fmt.Errorf("%w: %v", domain.ErrPaymentCapability, lastErr)
}

func endpointLabel(url string) string {
	switch {
	case strings.HasSuffix(url, "/authorize"):
		return "authorize"
	case strings.HasSuffix(url, "/capture"):
		return "capture"
	case strings.HasSuffix(url, "/refund"):
		return "refund"
	}
	return "other"
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns an exponential delay (200ms, 400ms, 800ms...) with up
// to +50% jitter to avoid thundering herds.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	j := time.Duration(0.5 * f * float64(base))
	return base + j
}
