package audit

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeTargetURL converts a submitted target into an absolute URL,
// prefixing https:// when the scheme is missing and lowercasing the host.
func NormalizeTargetURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: target url is required", ErrValidation)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: parse target url: %v", ErrValidation, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: target url %q has no host", ErrValidation, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// DomainOf extracts the normalized domain used to key cache entries and
// snapshot artifact directories. The www prefix is stripped so
// https://www.example.com and https://example.com share one audit.
func DomainOf(raw string) (string, error) {
	normalized, err := NormalizeTargetURL(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: parse normalized url: %v", ErrValidation, err)
	}
	host := u.Hostname()
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("%w: empty host in %q", ErrValidation, raw)
	}
	return host, nil
}
