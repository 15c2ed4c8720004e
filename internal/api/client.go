// Package api wraps the Palaver REST surface in a thin client that
// normalizes failures into a small typed taxonomy. It never mutates store
// state; the one side effect it owns is token invalidation on a 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenSource supplies the bearer token and owns the forced-logout path.
// Invalidate must clear the token and fan the logout out to the stores; the
// client calls it on every 401 no matter which operation triggered it.
type TokenSource interface {
	Token() string
	Invalidate()
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Request issues one REST call. A nil body sends no payload; any other body
// is JSON-encoded. When authenticated is true and a token is present it is
// attached as a bearer header; absence of a token simply omits the header,
// callers decide whether guest access makes sense for the endpoint.
//
// A 204 or an empty 2xx body yields (nil, nil).
func (c *Client) Request(ctx context.Context, method, path string, body any, authenticated bool) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &InvalidResponseError{Reason: "encode request body: " + err.Error()}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(payload)) == 0 {
			return nil, nil
		}
		return json.RawMessage(payload), nil
	}

	return nil, c.classify(resp.StatusCode, payload)
}

// errorBody matches both the flat {"code","message"} shape and the
// FastAPI-style {"detail": {...}} wrapper the backend emits for plan limits.
type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func (c *Client) classify(status int, payload []byte) error {
	if status == http.StatusUnauthorized {
		// Lowest-common-layer rule: an invalid token terminates the
		// session regardless of which operation tripped it.
		c.tokens.Invalidate()
		return ErrUnauthorized
	}

	parsed := decodeErrorBody(payload)

	if status == http.StatusPaymentRequired || status == http.StatusForbidden {
		if parsed.Code != "" {
			return &QuotaError{Code: parsed.Code, Message: parsed.Message}
		}
	}

	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(string(payload))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &RequestError{Status: status, Message: message}
}

func decodeErrorBody(payload []byte) errorBody {
	var outer errorBody
	if err := json.Unmarshal(payload, &outer); err != nil {
		return errorBody{}
	}
	if outer.Code != "" || len(outer.Detail) == 0 {
		return outer
	}

	// Unwrap {"detail": {...}}. A plain-string detail becomes the message.
	var inner errorBody
	if err := json.Unmarshal(outer.Detail, &inner); err == nil && (inner.Code != "" || inner.Message != "") {
		return inner
	}
	var text string
	if err := json.Unmarshal(outer.Detail, &text); err == nil {
		return errorBody{Message: text}
	}
	return outer
}
