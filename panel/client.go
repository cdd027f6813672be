// Package panel is the client for a remote 3x-ui / x-ui panel. It owns the
// login session, funnels every request through one gateway that retries a
// rejected session exactly once, and decodes inbound listings into typed
// structures regardless of how the panel version encodes nested settings.
//
// A Client is safe to share between goroutines for reads, but callers must
// not run two mutating operations for the same client identity concurrently.
package panel

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xuibot/vpn-grant-bot/config"

	"go.uber.org/atomic"
)

const defaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL    string // panel root, e.g. https://panel.example.com:2053
	APIPrefix  string // web base path the panel is mounted under, e.g. /secret
	Username   string
	Password   string
	TOTPSecret string // base32 secret when the panel has two-factor login on
	PathStyle  config.PathStyle
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one panel. Construct it with NewClient; there is no
// package-level instance, so several panels or test doubles can coexist.
type Client struct {
	baseURL    string
	username   string
	password   string
	totpSecret string
	style      config.PathStyle
	httpClient *http.Client

	// legacy is set once auto mode found the versioned API missing.
	legacy atomic.Bool

	mu      sync.Mutex
	session Session
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		httpClient = &copied
	}
	// A redirect means the panel bounced us to its login page; surface it
	// as a status instead of following it.
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	style := opts.PathStyle
	if style == "" {
		style = config.PathStyleAuto
	}

	return &Client{
		baseURL:    joinBase(opts.BaseURL, opts.APIPrefix),
		username:   opts.Username,
		password:   opts.Password,
		totpSecret: opts.TOTPSecret,
		style:      style,
		httpClient: httpClient,
	}
}

// NewClientFromConfig builds a Client from the bot configuration.
func NewClientFromConfig(cfg *config.BotConfig) *Client {
	return NewClient(Options{
		BaseURL:    cfg.PanelURL,
		APIPrefix:  cfg.PanelAPIPrefix,
		Username:   cfg.PanelUsername,
		Password:   cfg.PanelPassword,
		TOTPSecret: cfg.PanelTOTPSecret,
		PathStyle:  cfg.PanelPathStyle,
		Timeout:    time.Duration(cfg.PanelTimeout) * time.Second,
	})
}

// joinBase returns "scheme://host[/prefix]/" with exactly one trailing slash.
func joinBase(base, prefix string) string {
	base = strings.TrimRight(base, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/"
}
