package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// APIPath is the path of the WebSocket endpoint.
const APIPath = "/api/websocket"

// WebSocketURL rewrites an http(s) base URL into the ws(s) API endpoint,
// keeping host, port and any path prefix.
func WebSocketURL(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("protocol: empty base url")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("protocol: invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("protocol: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("protocol: base url %q has no host", base)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, APIPath) {
		path += APIPath
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
