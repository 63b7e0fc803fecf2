package crawl

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so that trivially different spellings
// of the same target collapse to one form. It lowercases the scheme and
// host, removes default ports, sorts query parameters and strips the
// fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Encode() emits parameters in sorted key order.
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// URLKey derives a store-safe key for a fetch target. The key is
// hierarchical (method, host, digest) so run and crawler prefixes stay
// cheap to enumerate and delete, while the digest keeps arbitrary URL
// characters out of backend key space.
func URLKey(method, rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse normalized url: %w", err)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	host := u.Host
	if host == "" {
		host = "local"
	}
	sum := sha1.Sum([]byte(normalized))
	return strings.Join([]string{method, host, hex.EncodeToString(sum[:])}, "/"), nil
}
