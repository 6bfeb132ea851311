package proxy

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
)

// HandleMovie serves /movie/{username}/{password}/{channel}. VOD counts
// against the limits like live does; Range requests pass through so players
// can seek.
func (p *Proxy) HandleMovie(w http.ResponseWriter, r *http.Request) {
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

	p.serveVOD(w, r, user, channel, provider, "movie")
}

// HandleSeries serves /series/{username}/{password}/{episode}. The episode
// element names the provider and episode explicitly as "provider:episode";
// the older packed single-integer form is still accepted.
func (p *Proxy) HandleSeries(w http.ResponseWriter, r *http.Request) {
	user, share, err := p.authenticate(r)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	ref, err := directory.ParseEpisodeRef(trimStreamExt(mux.Vars(r)["episode"]))
	if err != nil {
		http.Error(w, "Invalid episode", http.StatusBadRequest)
		return
	}

	channel, err := p.dir.GetEpisodeForUser(r.Context(), user.ID, ref)
	if err != nil {
		http.Error(w, "Episode not found", http.StatusNotFound)
		return
	}
	if share != nil && !share.AllowsChannel(channel.ID) {
		http.Error(w, "Channel not available", http.StatusForbidden)
		return
	}

	provider, ok := p.lookupProvider(w, r, channel)
	if !ok {
		return
	}

	p.serveVOD(w, r, user, channel, provider, "series")
}

// serveVOD runs the shared movie/series path: admit, fetch with failover,
// relay with Range passthrough. ?transcode=1 remuxes into fragmented mp4.
func (p *Proxy) serveVOD(w http.ResponseWriter, r *http.Request, user *directory.User, channel *directory.Channel, provider *directory.Provider, streamType string) {
	key, err := p.admission.Admit(r.Context(), user, provider, clientIP(r), channel.Name)
	if err != nil {
		writeAdmissionFailure(w, err)
		return
	}
	defer p.release(key)

	p.stats.RecordView(user.ID, channel)

	// Browsers cannot play mkv or avi containers; when one asks for those
	// the remux path is implied even without ?transcode=.
	implied := isBrowser(r) && hasContainerExt(r.URL.Path, ".mkv", ".avi")
	if transcodeRequested(r, implied) {
		p.serveTranscoded(w, r, key, channel, provider, streamType, "mp4")
		return
	}

	resp, err := p.failover.Fetch(r.Context(), directory.Candidates(provider, channel, streamType),
		p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		logger.Warn("{proxy/vod - serveVOD} no origin for %s %d: %v", streamType, channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	passthroughHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	relay(w, resp.Body, streamType)
}
