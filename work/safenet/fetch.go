package safenet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"iptv-relay/work/logger"
	"iptv-relay/work/utils"
)

// Fetcher performs policy-checked HTTP fetches, following redirects manually
// so every hop goes back through the resolver.
type Fetcher struct {
	resolver *Resolver
	client   *http.Client
}

// NewFetcher builds a Fetcher over the resolver's safe client.
func NewFetcher(resolver *Resolver, client *http.Client) *Fetcher {
	return &Fetcher{resolver: resolver, client: client}
}

// Fetch requests rawURL with the given headers. Redirects are followed by
// hand, each target re-validated against the host and address policy, up to
// MaxRedirects hops. The caller owns the response body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (*http.Response, error) {
	current := rawURL

	for hop := 0; ; hop++ {
		if hop > MaxRedirects {
			return nil, fmt.Errorf("%w: %d hops fetching %s", ErrTooManyRedirects, hop, utils.RedactURL(rawURL))
		}

		u, err := url.Parse(current)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		if _, err := f.resolver.Resolve(ctx, u.Hostname()); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, err
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("redirect without Location from %s", utils.ObfuscateURL(current))
		}

		next, err := u.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect target: %w", err)
		}

		logger.Debug("{safenet/fetch - Fetch} following redirect %d to %s", hop+1, utils.RedactURL(next.String()))
		current = next.String()
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// FinalURL reports the URL a response chain ended at. Fetch rewrites the
// request per hop, so the response request URL is the last hop.
func FinalURL(resp *http.Response) string {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.String()
}

// HostOnly extracts the lowercase hostname from a URL string, for origin
// confinement comparisons.
func HostOnly(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
