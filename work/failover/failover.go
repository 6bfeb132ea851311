// Package failover walks an ordered list of origin URLs until one of them
// answers, so a dead primary falls through to its backups without the client
// noticing anything beyond a little startup latency.
package failover

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/ratelimit"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/safenet"
	"iptv-relay/work/utils"
)

// ErrAllOriginsFailed is returned when every candidate was tried and none
// produced a usable response.
var ErrAllOriginsFailed = errors.New("all origins failed")

// Client tries origin candidates in order through a policy-checked fetcher.
type Client struct {
	fetcher   *Fetcher
	obfuscate bool
}

// Fetcher is the fetch dependency; satisfied by safenet.Fetcher.
type Fetcher = safenet.Fetcher

// New builds a failover client. obfuscate controls how candidate URLs are
// rendered in logs.
func New(fetcher *Fetcher, obfuscate bool) *Client {
	return &Client{fetcher: fetcher, obfuscate: obfuscate}
}

// Fetch tries each candidate URL in order and returns the first response
// with a 2xx status. A non-2xx response or transport error moves on to the
// next candidate. The limiter, when non-nil, paces attempts against the
// provider. Context cancellation aborts the walk immediately; a client that
// already hung up is not worth burning provider connections for.
func (c *Client) Fetch(ctx context.Context, candidates []string, headers http.Header, limiter ratelimit.Limiter) (*http.Response, error) {
	if len(candidates) == 0 {
		return nil, ErrAllOriginsFailed
	}

	var lastErr error
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if candidate == "" {
			continue
		}
		if limiter != nil {
			limiter.Take()
		}

		resp, err := c.fetcher.Fetch(ctx, candidate, headers)
		if err != nil {
			lastErr = err
			metrics.UpstreamAttempts.WithLabelValues("failure").Inc()
			logger.Warn("{failover/failover - Fetch} origin %d/%d failed: %v (%s)",
				i+1, len(candidates), err, utils.LogURL(c.obfuscate, candidate))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.UpstreamAttempts.WithLabelValues("success").Inc()
			if i > 0 {
				logger.Info("{failover/failover - Fetch} origin %d/%d answered after %d failures (%s)",
					i+1, len(candidates), i, utils.LogURL(c.obfuscate, candidate))
			}
			return resp, nil
		}

		lastErr = fmt.Errorf("origin returned status %d", resp.StatusCode)
		metrics.UpstreamAttempts.WithLabelValues("failure").Inc()
		logger.Warn("{failover/failover - Fetch} origin %d/%d returned status %d (%s)",
			i+1, len(candidates), resp.StatusCode, utils.LogURL(c.obfuscate, candidate))
		resp.Body.Close()
	}

	metrics.FailoverExhausted.Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllOriginsFailed, lastErr)
	}
	return nil, ErrAllOriginsFailed
}
