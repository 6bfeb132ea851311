package proxy

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/safenet"
	"iptv-relay/work/tokens"
	"iptv-relay/work/utils"
)

// HandleSegment serves the segment endpoint in its query forms:
//
//	?token=...        legacy single token sealing the whole payload
//	?base=...&data=... split form, merged into one payload
//	?data=...         data half alone, carrying the whole payload itself
//
// The token is the authorization; credentials on the route, when present,
// are not consulted. The decoded target goes back through the resolver
// policy no matter what the token claims, so even a token minted against a
// target that later started resolving somewhere internal cannot reach it.
func (p *Proxy) HandleSegment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var payload tokens.Payload
	var err error
	switch {
	case q.Get("base") != "" && q.Get("data") != "":
		payload, err = p.codec.Merge(q.Get("base"), q.Get("data"))
	case q.Get("data") != "":
		payload, err = p.codec.DecodeData(q.Get("data"))
	case q.Get("token") != "":
		payload, err = p.codec.DecodePayload(q.Get("token"))
	default:
		http.Error(w, "Missing token", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	p.relaySegment(w, r, payload)
}

// HandleSegmentPath serves /live/segment/{token}/{tail}: the DASH form,
// where the token seals an origin prefix and the tail is the relative
// segment path from the manifest. The joined target must stay on the sealed
// origin's host; a manifest cannot walk the relay off to another server.
func (p *Proxy) HandleSegmentPath(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	payload, err := p.codec.DecodePayload(vars["token"])
	if err != nil {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	base, err := url.Parse(payload.Href)
	if err != nil || !base.IsAbs() {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}
	ref, err := url.Parse(vars["tail"])
	if err != nil {
		http.Error(w, "Invalid segment path", http.StatusBadRequest)
		return
	}

	target := base.ResolveReference(ref)
	if target.Hostname() == "" || safenet.HostOnly(target.String()) != safenet.HostOnly(payload.Href) {
		logger.Warn("{proxy/segment - HandleSegmentPath} segment path escapes its origin: %s", utils.ObfuscateURL(target.String()))
		http.Error(w, "Invalid segment path", http.StatusForbidden)
		return
	}

	payload.Href = target.String()
	p.relaySegment(w, r, payload)
}

// relaySegment fetches a decoded segment target and streams it through.
// Upstream headers come from the token, never from the client; the fetcher
// re-resolves the target's host against the address policy on every call,
// and the payload's pre-verified flag is deliberately ignored. A valid token
// is not enough on its own: the viewer identity sealed inside is re-checked
// against the catalog, so a disabled account or a lapsed share window stops
// segment fetches mid-playlist.
func (p *Proxy) relaySegment(w http.ResponseWriter, r *http.Request, payload tokens.Payload) {
	if !p.segmentViewerAllowed(w, r, payload) {
		return
	}

	headers := http.Header{}
	for k, v := range payload.Headers {
		headers.Set(k, v)
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", config.DefaultUserAgent)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		headers.Set("Range", rng)
	}

	resp, err := p.fetcher.Fetch(r.Context(), payload.Href, headers)
	if err != nil {
		logger.Warn("{proxy/segment - relaySegment} fetch failed: %v (%s)", err, utils.LogURL(p.cfg.ObfuscateUrls, payload.Href))
		http.Error(w, "Segment unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		http.Error(w, "Segment unavailable", http.StatusBadGateway)
		return
	}

	// Nested manifests come back rewritten, not raw: a variant playlist
	// fetched through a segment token still must not leak the origin. The
	// viewer identity carries forward into the nested tokens.
	if isPlaylistResponse(resp) {
		body, err := readPlaylistBody(resp)
		if err != nil {
			http.Error(w, "Segment unavailable", http.StatusBadGateway)
			return
		}
		p.writeRewrittenPlaylist(w, body, upstreamFinalURL(resp), tokens.Payload{
			UserID:  payload.UserID,
			Share:   payload.Share,
			Headers: payload.Headers,
		})
		return
	}

	passthroughHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	relay(w, resp.Body, "segment")
}

// segmentViewerAllowed re-checks the identity a token was minted for. Share
// tokens lapse at the window edge with a 403; accounts that have been
// disabled or expired since the playlist was served get a 401. Tokens with
// no identity (older playlists) pass.
func (p *Proxy) segmentViewerAllowed(w http.ResponseWriter, r *http.Request, payload tokens.Payload) bool {
	now := time.Now()

	if payload.Share != "" {
		share, err := p.dir.GetShareToken(r.Context(), payload.Share)
		if err != nil || !share.ActiveAt(now) {
			http.Error(w, "Share expired", http.StatusForbidden)
			return false
		}
	}

	if payload.UserID != 0 {
		user, err := p.dir.GetUserByID(r.Context(), payload.UserID)
		if err != nil || !user.Enabled || user.Expired(now) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return false
		}
	}

	return true
}
