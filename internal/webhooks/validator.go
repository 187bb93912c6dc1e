package webhooks

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// URLValidator decides whether a URL may be used as a delivery target.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Validator applies the static URL rules and then probes the endpoint.
type Validator struct {
	prober Prober
}

// NewValidator creates a Validator that probes with p. A nil prober skips
// the liveness check.
func NewValidator(p Prober) *Validator {
	return &Validator{prober: p}
}

// Validate returns an *InvalidURLError naming the first rule rawURL breaks.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	if _, err := CheckURL(rawURL); err != nil {
		return err
	}
	if v.prober == nil {
		return nil
	}

	status, err := v.prober.Head(ctx, rawURL)
	if err != nil {
		return &InvalidURLError{URL: rawURL, Reason: RejectUnreachable, Err: err}
	}
	if status < 200 || status > 299 {
		return &InvalidURLError{
			URL:    rawURL,
			Reason: RejectUnreachable,
			Err:    fmt.Errorf("probe returned HTTP %d", status),
		}
	}
	return nil
}

// CheckURL applies the rules that need no network access: absolute URL,
// https scheme, no loopback host and no private or link-local literal IP.
func CheckURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: RejectMalformed, Err: err}
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return nil, &InvalidURLError{URL: rawURL, Reason: RejectMalformed}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, &InvalidURLError{URL: rawURL, Reason: RejectNotHTTPS}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasPrefix(host, "127.") {
		return nil, &InvalidURLError{URL: rawURL, Reason: RejectLoopback}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		switch {
		case addr.IsLoopback():
			return nil, &InvalidURLError{URL: rawURL, Reason: RejectLoopback}
		case addr.IsPrivate(), addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(), addr.IsUnspecified():
			return nil, &InvalidURLError{URL: rawURL, Reason: RejectPrivate}
		}
	}
	return u, nil
}
