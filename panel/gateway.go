package panel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/xuibot/vpn-grant-bot/logger"
)

const (
	// maxAttempts bounds Call: the original attempt plus one retry after a
	// fresh login.
	maxAttempts = 2
	maxBodySize = 8 << 20
)

// errSessionRejected marks a 401/403/redirect answer; it wraps ErrAuth.
var errSessionRejected = fmt.Errorf("%w: session rejected", ErrAuth)

// Result is the uniform outcome of every panel call. Data holds the
// envelope's obj (or legacy data) member.
type Result struct {
	Success bool
	Data    json.RawMessage
	Message string
	Status  int
	Err     error
}

// AsError returns nil for a successful result and a categorized error otherwise.
func (r *Result) AsError() error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("%w: %s", ErrRejected, r.Message)
}

func failure(status int, err error) *Result {
	return &Result{Status: status, Err: err, Message: err.Error()}
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
	Data    json.RawMessage `json:"data"`
}

// Call sends one request through the session. When the panel rejects the
// session it logs in again and retries once; a second rejection is returned
// as a failed Result. Call never panics and never returns nil.
func (c *Client) Call(ctx context.Context, method, path string, payload any) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panel call ", method, " ", path, " panic: ", r)
			res = failure(0, fmt.Errorf("%w: %v", ErrMalformedResponse, r))
		}
	}()

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return failure(0, fmt.Errorf("%w: encode payload: %v", ErrMalformedResponse, err))
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !c.IsAuthenticated() {
			if _, err := c.Authenticate(ctx); err != nil {
				return failure(0, err)
			}
		}
		res = c.do(ctx, method, path, body)
		if !errors.Is(res.Err, errSessionRejected) {
			return res
		}
		logger.Warningf("panel session rejected on %s %s (attempt %d/%d)", method, path, attempt, maxAttempts)
		c.invalidate()
	}
	return res
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) *Result {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return failure(0, fmt.Errorf("%w: build request: %v", ErrTransport, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.attachSession(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(0, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return failure(resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrTransport, err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		return &Result{Status: resp.StatusCode, Err: errSessionRejected, Message: errSessionRejected.Error()}
	case resp.StatusCode == http.StatusNotFound:
		return failure(resp.StatusCode, fmt.Errorf("%w: %s %s", ErrNotFound, method, path))
	case resp.StatusCode >= 400:
		return failure(resp.StatusCode, fmt.Errorf("%w: %s %s returned status %d", ErrTransport, method, path, resp.StatusCode))
	}

	return decodeEnvelope(resp.StatusCode, data)
}

// decodeEnvelope maps both {success,msg,obj} and the legacy
// {success,msg,data} answers onto a Result.
func decodeEnvelope(status int, data []byte) *Result {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return failure(status, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	payload := env.Obj
	if isNull(payload) {
		payload = env.Data
	}
	res := &Result{
		Success: env.Success,
		Data:    payload,
		Message: env.Msg,
		Status:  status,
	}
	if !env.Success {
		res.Err = fmt.Errorf("%w: %s", ErrRejected, env.Msg)
	}
	return res
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
