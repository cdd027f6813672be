package panel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Link is a parsed vless:// client URI.
type Link struct {
	ID     string
	Host   string
	Port   int
	Label  string
	Params url.Values
}

// GenerateLink renders the client URI for a VLESS+TLS vision inbound. The
// parameter order is fixed; client apps compare these strings verbatim.
func GenerateLink(id, host string, port int, label string) string {
	return fmt.Sprintf(
		"vless://%s@%s:%d?encryption=none&flow=%s&security=tls&sni=%s&fp=chrome&type=tcp&headerType=none#%s",
		id, host, port, FlowVision, host, url.PathEscape(label),
	)
}

// ParseLink reads back a URI produced by GenerateLink (or any vless URI).
func ParseLink(uri string) (*Link, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse link: %w", err)
	}
	if u.Scheme != "vless" {
		return nil, fmt.Errorf("parse link: unsupported scheme %q", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("parse link: missing client id")
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("parse link: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("parse link: bad port %q", portStr)
	}
	return &Link{
		ID:     u.User.Username(),
		Host:   strings.Trim(host, "[]"),
		Port:   port,
		Label:  u.Fragment,
		Params: u.Query(),
	}, nil
}
