// Package origin gates browser access to the relay by Origin header.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether a request's Origin may reach the relay.
//
// With a configured allowlist, the Origin must match an entry exactly
// (after normalization) or the entry "*". Without one, the default is
// same-host: the Origin's host[:port] must match the request's Host.
// Requests without an Origin header are not from browsers and always pass.
type Policy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewPolicy builds a policy from configured origins. Entries must be "*",
// "null", or an origin of the form scheme://host[:port].
func NewPolicy(allowedOrigins []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{})}
	for _, entry := range allowedOrigins {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			p.allowAll = true
			continue
		}
		normalized, _, ok := normalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

func (p *Policy) hasAllowlist() bool {
	return p.allowAll || len(p.allowed) > 0
}

// AllowRequest implements the websocket upgrade and HTTP endpoint origin
// check.
func (p *Policy) AllowRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	return p.Allow(header, r.Host)
}

// Allow reports whether the given Origin header value may access the
// given request host.
func (p *Policy) Allow(originHeader, requestHost string) bool {
	normalized, originHost, ok := normalizeHeader(originHeader)
	if !ok {
		return false
	}

	if p.hasAllowlist() {
		if p.allowAll {
			return true
		}
		_, ok := p.allowed[normalized]
		return ok
	}

	// Same host:port fallback. Scheme is deliberately not compared: behind
	// a TLS-terminating proxy the relay sees HTTP while the browser Origin
	// is HTTPS.
	scheme := ""
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return false
	}

	host, ok := normalizeRequestHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == host
}

// normalizeHeader validates an Origin header and returns both the
// normalized origin (scheme://host[:port], default ports elided) and its
// host[:port] portion. The special value "null" is passed through.
func normalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeRequestHost(requestHost, scheme string) (string, bool) {
	return normalizeAuthority(strings.TrimSpace(requestHost), scheme)
}

// normalizeAuthority lower-cases the hostname, validates the port and
// elides it when it is the scheme default.
func normalizeAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is not validated
// and empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
