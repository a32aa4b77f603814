package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/wolfeidau/health-cache/store/cachestorage"
)

// alternateHost returns the alias of host, keeping any port. localhost and
// 127.0.0.1 are aliases of each other; any other host has none.
func alternateHost(host string) (string, bool) {
	name, port, err := net.SplitHostPort(host)
	if err != nil {
		name, port = host, ""
	}
	var alt string
	switch name {
	case "localhost":
		alt = "127.0.0.1"
	case "127.0.0.1":
		alt = "localhost"
	default:
		return "", false
	}
	if port != "" {
		return net.JoinHostPort(alt, port), true
	}
	return alt, true
}

// matchAnyHost looks u up in every cache, then under the alias of its host.
// A miss returns nil, nil.
func (c *Controller) matchAnyHost(ctx context.Context, u *url.URL, opts cachestorage.MatchOptions) (*http.Response, error) {
	resp, err := c.matchURL(ctx, u, opts)
	if resp != nil || err != nil {
		return resp, err
	}
	alt, ok := alternateHost(u.Host)
	if !ok {
		return nil, nil
	}
	au := *u
	au.Host = alt
	return c.matchURL(ctx, &au, opts)
}

func (c *Controller) matchURL(ctx context.Context, u *url.URL, opts cachestorage.MatchOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.storage.Match(ctx, req, opts)
	if errors.Is(err, cachestorage.ErrNotFound) {
		return nil, nil
	}
	return resp, err
}
