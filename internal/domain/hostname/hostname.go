// Package hostname derives the base domain and sub-domain under which a
// credential observed on a page is filed.
package hostname

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ericfisherdev/credsync/internal/domain/model"
)

// Parse extracts the host from rawURL. A bare host without a scheme is accepted.
func Parse(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", model.ErrValidation)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse url %q: %v", model.ErrValidation, rawURL, err)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", fmt.Errorf("%w: url %q has no host", model.ErrValidation, rawURL)
	}
	return host, nil
}

// BaseDomain returns the registrable domain (eTLD+1) of host. IP addresses,
// single-label hosts and public suffixes themselves are returned unchanged
// apart from a leading "www.".
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return host
	}

	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") {
		return host
	}

	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return base
}

// FromURL returns the base domain and the full host (sub-domain) of rawURL.
func FromURL(rawURL string) (domain, subDomain string, err error) {
	host, err := Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	return BaseDomain(host), host, nil
}
