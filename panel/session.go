package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/xlzd/gotp"
	"github.com/xuibot/vpn-grant-bot/logger"
)

// Session is the process-local login state. It is never persisted.
type Session struct {
	Authenticated bool
	Cookies       []*http.Cookie
	Token         string
	At            time.Time
}

type loginResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Authenticate logs in and stores the session for later calls. Success needs
// both a 2xx status and success=true in the body. Calling it again simply
// logs in again.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	if c.totpSecret != "" {
		form.Set("twoFactorCode", gotp.NewDefaultTOTP(c.totpSecret).Now())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, c.loginFailed(fmt.Errorf("%w: build login request: %v", ErrTransport, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.loginFailed(fmt.Errorf("%w: login: %v", ErrTransport, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.loginFailed(fmt.Errorf("%w: read login response: %v", ErrTransport, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.loginFailed(fmt.Errorf("%w: login returned status %d", ErrTransport, resp.StatusCode))
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, c.loginFailed(fmt.Errorf("%w: login body: %v", ErrMalformedResponse, err))
	}
	if !lr.Success {
		return nil, c.loginFailed(fmt.Errorf("%w: %s", ErrAuth, lr.Msg))
	}

	s := Session{
		Authenticated: true,
		Cookies:       resp.Cookies(),
		Token:         tokenFrom(lr.Obj),
		At:            time.Now(),
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	logger.Debugf("panel login ok (%d cookies)", len(s.Cookies))
	return &s, nil
}

// loginFailed clears the session and logs err by category.
func (c *Client) loginFailed(err error) error {
	c.invalidate()
	switch {
	case errors.Is(err, ErrAuth):
		logger.Warning("panel rejected credentials: ", err)
	case errors.Is(err, ErrMalformedResponse):
		logger.Warning("panel login answered with an unreadable body: ", err)
	default:
		logger.Warning("panel login transport failure: ", err)
	}
	return err
}

// tokenFrom picks an API token out of the login obj when the panel issues one.
func tokenFrom(obj json.RawMessage) string {
	if len(obj) == 0 || obj[0] != '{' {
		return ""
	}
	var t struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(obj, &t); err != nil {
		return ""
	}
	return t.Token
}

// Session returns a copy of the current session.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Authenticated
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
}

func (c *Client) attachSession(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cookie := range c.session.Cookies {
		req.AddCookie(cookie)
	}
	if c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}
}
