package webdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/unidrive/unidrive-go/internal/gateway"
	"github.com/unidrive/unidrive-go/internal/retry"
)

const userAgent = "unidrive-go/1.0"

// client is one root's authenticated HTTP client: base URL plus
// bearer token. JSON requests go through the retry policy; transient
// statuses are retried with the request body replayed from a buffer.
type client struct {
	httpClient *http.Client
	baseURL    string
	token      *oauth2.Token
	policy     *retry.Policy
	logger     *slog.Logger
}

// requestURL resolves a path against the base URL. Absolute URLs,
// such as copy monitor locations that may live on another host, pass
// through untouched.
func (c *client) requestURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	return c.baseURL + path
}

// classifyStatus maps an HTTP status onto the shared error taxonomy.
func classifyStatus(op string, status int, body []byte) error {
	var sentinel error

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = gateway.ErrAuthentication
	case status == http.StatusNotFound || status == http.StatusGone:
		sentinel = gateway.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		sentinel = gateway.ErrTransient
	default:
		sentinel = gateway.ErrPermanent
	}

	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	return &gateway.BackendError{
		Schema:  Schema,
		Op:      op,
		Status:  status,
		Message: msg,
		Err:     sentinel,
	}
}

// doJSON sends an authenticated JSON request and decodes the response
// into out (when non-nil). Transient failures are retried; the body is
// replayed from its marshaled bytes, so every attempt sends identical
// bytes.
func (c *client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	_, err := c.doJSONResponse(ctx, op, method, path, in, out)
	return err
}

// doJSONResponse is doJSON returning the final response for callers
// that need headers or the status code.
func (c *client) doJSONResponse(ctx context.Context, op, method, path string, in, out any) (*http.Response, error) {
	var payload []byte

	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, fmt.Errorf("webdrive: marshaling %s request: %w", op, err)
		}
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), body)
		if err != nil {
			return nil, fmt.Errorf("webdrive: creating %s request: %w", op, err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, gateway.Transient(fmt.Errorf("webdrive: %s request failed: %w", op, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error detail
			return nil, classifyStatus(op, resp.StatusCode, respBody)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("webdrive: decoding %s response: %w", op, err)
			}
		} else {
			// Drain to reuse the connection.
			_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain only
		}

		return resp, nil
	}, retry.WithRetryable(gateway.IsTransient))
}

// doRaw sends an authenticated request with an arbitrary body and
// returns the raw response. Not retried here: retrying a
// partially-consumed reader is not safe, so callers that need retry
// buffer the body themselves.
func (c *client) doRaw(ctx context.Context, op, method, path, contentType string, body io.Reader, length int64, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("webdrive: creating %s request: %w", op, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if length >= 0 {
		req.ContentLength = length
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gateway.Transient(fmt.Errorf("webdrive: %s request failed: %w", op, err))
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error detail
		resp.Body.Close()

		return nil, classifyStatus(op, resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeJSON decodes a response body already known to carry JSON.
func decodeJSON(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("webdrive: decoding response: %w", err)
	}

	return nil
}

// drainClose discards and closes a response body so the connection can
// be reused.
func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain only
	resp.Body.Close()
}
