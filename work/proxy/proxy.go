// Package proxy is the stream orchestrator: it authenticates the request,
// resolves the channel through the catalog, runs admission, fetches the
// stream with failover and relays it to the client. Every route under
// /live, /movie, /series and /live/segment lands here.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"iptv-relay/work/admission"
	"iptv-relay/work/auth"
	"iptv-relay/work/config"
	"iptv-relay/work/directory"
	"iptv-relay/work/failover"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/playlist"
	"iptv-relay/work/safenet"
	"iptv-relay/work/sessions"
	"iptv-relay/work/tokens"
)

// Proxy holds every collaborator a stream request needs.
type Proxy struct {
	cfg       *config.Config
	dir       *directory.Directory
	auth      *auth.Authenticator
	admission *admission.Controller
	registry  *sessions.Registry
	failover  *failover.Client
	fetcher   *safenet.Fetcher
	rewriter  *playlist.Rewriter
	codec     *tokens.Codec
	stats     *directory.Stats

	// one upstream request limiter per provider
	limiters *xsync.MapOf[int64, ratelimit.Limiter]
}

// Deps bundles the constructor arguments.
type Deps struct {
	Config        *config.Config
	Directory     *directory.Directory
	Authenticator *auth.Authenticator
	Admission     *admission.Controller
	Registry      *sessions.Registry
	Failover      *failover.Client
	Fetcher       *safenet.Fetcher
	Rewriter      *playlist.Rewriter
	Codec         *tokens.Codec
	Stats         *directory.Stats
}

// New builds the orchestrator.
func New(d Deps) *Proxy {
	return &Proxy{
		cfg:       d.Config,
		dir:       d.Directory,
		auth:      d.Authenticator,
		admission: d.Admission,
		registry:  d.Registry,
		failover:  d.Failover,
		fetcher:   d.Fetcher,
		rewriter:  d.Rewriter,
		codec:     d.Codec,
		stats:     d.Stats,
		limiters:  xsync.NewMapOf[int64, ratelimit.Limiter](),
	}
}

// limiter returns (creating on first use) the request limiter for a provider.
func (p *Proxy) limiter(providerID int64) ratelimit.Limiter {
	lim, _ := p.limiters.LoadOrCompute(providerID, func() ratelimit.Limiter {
		return ratelimit.New(p.cfg.ProviderRatePerS)
	})
	return lim
}

// clientIP extracts the viewer's address: the first X-Forwarded-For entry
// when a front proxy set one, the socket peer otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the request to an account. A ?token= query value is
// tried first as a temporary share token; the username "share" does the same
// with the password slot. Either way the session is attributed to the
// token's owning user. Otherwise the route's credential pair is checked.
func (p *Proxy) authenticate(r *http.Request) (*directory.User, *directory.ShareToken, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return p.authenticateShare(r, tok)
	}

	vars := mux.Vars(r)
	username, password := vars["username"], vars["password"]
	if username == "share" {
		return p.authenticateShare(r, password)
	}

	user, err := p.auth.Authenticate(r.Context(), username, password)
	if err != nil {
		return nil, nil, err
	}
	return user, nil, nil
}

func (p *Proxy) authenticateShare(r *http.Request, raw string) (*directory.User, *directory.ShareToken, error) {
	token, err := p.dir.GetShareToken(r.Context(), raw)
	if err != nil {
		return nil, nil, auth.ErrBadCredentials
	}
	if !token.ActiveAt(time.Now()) {
		return nil, nil, auth.ErrBadCredentials
	}
	user, err := p.dir.GetUserByID(r.Context(), token.UserID)
	if err != nil || !user.Enabled {
		return nil, nil, auth.ErrBadCredentials
	}
	return user, token, nil
}

// writeAuthFailure maps authentication errors onto the client-facing codes.
func writeAuthFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAccountDisabled):
		http.Error(w, "Account disabled", http.StatusForbidden)
	default:
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}

// writeAdmissionFailure maps admission errors onto 403s with the exact
// limit message players expect.
func writeAdmissionFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrUserLimit), errors.Is(err, admission.ErrProviderLimit):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, context.Canceled):
		// client already gone, nothing to write
	default:
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
	}
}

// upstreamHeaders builds the header set sent to a provider: its user agent,
// any extra headers the channel's metadata names, and the client's Range.
func (p *Proxy) upstreamHeaders(provider *directory.Provider, channel *directory.Channel, r *http.Request) http.Header {
	h := http.Header{}
	for k, v := range upstreamHeaderMap(provider, channel) {
		h.Set(k, v)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		h.Set("Range", rng)
	}
	return h
}

// upstreamHeaderMap is the map form of the provider/channel header set.
func upstreamHeaderMap(provider *directory.Provider, channel *directory.Channel) map[string]string {
	ua := provider.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	h := map[string]string{"User-Agent": ua}
	if channel != nil {
		for k, v := range directory.MetadataHeaders(channel) {
			h[k] = v
		}
	}
	return h
}

// tokenHeaders is the header set sealed into segment tokens: the upstream
// identity plus any cookies the manifest fetch was handed, so segment
// fetches present exactly what the origin saw before.
func tokenHeaders(provider *directory.Provider, channel *directory.Channel, resp *http.Response) map[string]string {
	h := upstreamHeaderMap(provider, channel)
	if resp != nil {
		var cookies []string
		for _, c := range resp.Cookies() {
			cookies = append(cookies, c.Name+"="+c.Value)
		}
		if len(cookies) > 0 {
			h["Cookie"] = strings.Join(cookies, "; ")
		}
	}
	return h
}

// tokenTemplate builds the payload sealed into every token a rewritten
// manifest hands out: the viewer's identity (so segment fetches can re-check
// the account) plus the upstream header set.
func tokenTemplate(user *directory.User, share *directory.ShareToken, provider *directory.Provider, channel *directory.Channel, resp *http.Response) tokens.Payload {
	t := tokens.Payload{Headers: tokenHeaders(provider, channel, resp)}
	if user != nil {
		t.UserID = user.ID
	}
	if share != nil {
		t.Share = share.Token
	}
	return t
}

// transcodeRequested reports whether the request should take the ffmpeg
// path. An explicit ?transcode= value always wins, in either spelling;
// absent one, implied carries the route's own judgement (mp4 extension on
// a live channel, a browser asking for an mkv/avi container).
func transcodeRequested(r *http.Request, implied bool) bool {
	switch r.URL.Query().Get("transcode") {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return implied
}

// isBrowser reports whether the client user agent looks like a web browser
// rather than a media player. Every mainstream browser still opens with
// the Mozilla compatibility token.
func isBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

// hasContainerExt reports whether the request path ends in one of the
// given container extensions.
func hasContainerExt(path string, exts ...string) bool {
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// passthroughHeaders copies the response headers that matter for media
// playback from upstream to the client.
func passthroughHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, key := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if value := resp.Header.Get(key); value != "" {
			w.Header().Set(key, value)
		}
	}
}

// noCache marks a response as uncacheable; playlists and manifests go stale
// in seconds.
func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// relay copies the upstream body to the client, flushing as it goes so
// live content is not buffered into latency.
func relay(w http.ResponseWriter, body io.Reader, streamType string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	metrics.BytesProxied.WithLabelValues(streamType).Add(float64(total))
	logger.Debug("{proxy/proxy - relay} %s stream ended after %d bytes", streamType, total)
}

// release drops a session after the stream ends. The request context is
// dead by then, so the store call gets a short one of its own.
func (p *Proxy) release(key sessions.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.registry.Release(ctx, key)
}
