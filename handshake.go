package gosocketio

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// handshakeTimeLayout mirrors the string form of a JavaScript Date.
const handshakeTimeLayout = "Mon Jan 02 2006 15:04:05 GMT-0700 (MST)"

// Handshake is the snapshot of the request that admitted a socket into a
// namespace.
type Handshake struct {
	Headers map[string]string      `json:"headers"`
	Time    string                 `json:"time"`
	Address string                 `json:"address"`
	XDomain bool                   `json:"xdomain"`
	Secure  bool                   `json:"secure"`
	Issued  int64                  `json:"issued"`
	URL     string                 `json:"url"`
	Query   map[string]string      `json:"query"`
	Auth    map[string]interface{} `json:"auth"`
}

func newHandshake(r *http.Request, auth map[string]interface{}) *Handshake {
	now := time.Now()

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}

	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	address := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		address = host
	}

	if auth == nil {
		auth = map[string]interface{}{}
	}

	return &Handshake{
		Headers: headers,
		Time:    now.Format(handshakeTimeLayout),
		Address: address,
		XDomain: r.Header.Get("Origin") != "",
		Secure:  r.TLS != nil,
		Issued:  now.UnixMilli(),
		URL:     r.URL.RequestURI(),
		Query:   query,
		Auth:    auth,
	}
}

// Map returns the handshake as a generic value tree, the form it takes after
// a round trip through the wire.
func (h *Handshake) Map() map[string]interface{} {
	headers := make(map[string]interface{}, len(h.Headers))
	for k, v := range h.Headers {
		headers[k] = v
	}
	query := make(map[string]interface{}, len(h.Query))
	for k, v := range h.Query {
		query[k] = v
	}
	return map[string]interface{}{
		"headers": headers,
		"time":    h.Time,
		"address": h.Address,
		"xdomain": h.XDomain,
		"secure":  h.Secure,
		"issued":  h.Issued,
		"url":     h.URL,
		"query":   query,
		"auth":    h.Auth,
	}
}
