package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
)

// HandleDASH serves /live/mpd/{username}/{password}/{channel}: the channel's
// DASH manifest with every BaseURL pointed back at the segment endpoint.
// The manifest fetch is the tune-in point for DASH players, so admission
// runs here; segment fetches ride on their tokens.
func (p *Proxy) HandleDASH(w http.ResponseWriter, r *http.Request) {
	user, share, err := p.authenticate(r)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	channelID, err := strconv.ParseInt(trimStreamExt(mux.Vars(r)["channel"]), 10, 64)
	if err != nil {
		http.Error(w, "Invalid channel", http.StatusBadRequest)
		return
	}

	channel, ok := p.lookupChannel(w, r, user, share, channelID)
	if !ok {
		return
	}
	provider, ok := p.lookupProvider(w, r, channel)
	if !ok {
		return
	}

	key, err := p.admission.Admit(r.Context(), user, provider, clientIP(r), channel.Name)
	if err != nil {
		writeAdmissionFailure(w, err)
		return
	}
	defer p.release(key)

	p.stats.RecordView(user.ID, channel)

	resp, err := p.failover.Fetch(r.Context(), p.mpdCandidates(channel, provider),
		p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		logger.Warn("{proxy/dash - HandleDASH} no manifest origin for channel %d: %v", channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := readPlaylistBody(resp)
	if err != nil {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	rewritten, err := p.rewriter.RewriteDASH(body, upstreamFinalURL(resp), tokenTemplate(user, share, provider, channel, resp))
	if err != nil {
		logger.Error("{proxy/dash - HandleDASH} manifest rewrite failed: %v", err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	noCache(w)
	w.Header().Set("Content-Type", "application/dash+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(rewritten)
}

// HandleDASHPath serves /live/mpd/{username}/{password}/{channel}/{path}:
// manifest sub-resources that players request relative to the manifest URL
// instead of through the rewritten BaseURL. The path is resolved under the
// channel's manifest directory and confined to that host.
func (p *Proxy) HandleDASHPath(w http.ResponseWriter, r *http.Request) {
	user, share, err := p.authenticate(r)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	vars := mux.Vars(r)
	channelID, err := strconv.ParseInt(trimStreamExt(vars["channel"]), 10, 64)
	if err != nil {
		http.Error(w, "Invalid channel", http.StatusBadRequest)
		return
	}

	channel, ok := p.lookupChannel(w, r, user, share, channelID)
	if !ok {
		return
	}
	provider, ok := p.lookupProvider(w, r, channel)
	if !ok {
		return
	}

	candidates := p.mpdCandidates(channel, provider)
	if len(candidates) == 0 {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	base, err := url.Parse(candidates[0])
	if err != nil || !base.IsAbs() {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	ref, err := url.Parse(vars["path"])
	if err != nil {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	target := base.ResolveReference(ref)
	if target.Hostname() != base.Hostname() {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	resp, err := p.fetcher.Fetch(r.Context(), target.String(), p.upstreamHeaders(provider, channel, r))
	if err != nil {
		logger.Warn("{proxy/dash - HandleDASHPath} sub-resource fetch failed for channel %d: %v", channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	passthroughHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	relay(w, resp.Body, "dash")
}

// mpdCandidates builds the manifest origin list. A catalog entry may name
// the manifest outright in its metadata; otherwise the stream URL is asked
// for in .mpd form, backups included.
func (p *Proxy) mpdCandidates(channel *directory.Channel, provider *directory.Provider) []string {
	if direct, ok := channel.Metadata["mpd_url"]; ok && strings.HasPrefix(direct, "http") {
		return []string{direct}
	}

	candidates := directory.Candidates(provider, channel, "live")
	for i, c := range candidates {
		if strings.HasSuffix(c, ".ts") {
			candidates[i] = strings.TrimSuffix(c, ".ts") + ".mpd"
		}
	}
	return candidates
}
