package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/regexp"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
)

// startStampRe matches the catch-up start form providers expect:
// YYYY-MM-DD:HH-MM.
var startStampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}:\d{2}-\d{2}$`)

// HandleTimeshift serves
// /live/timeshift/{username}/{password}/{duration}/{start}/{channel}:
// catch-up playback of duration minutes starting at start. Counts against
// the limits exactly like a live tune of the same channel.
func (p *Proxy) HandleTimeshift(w http.ResponseWriter, r *http.Request) {
	user, share, err := p.authenticate(r)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	vars := mux.Vars(r)
	duration, start := vars["duration"], vars["start"]
	if _, err := strconv.Atoi(duration); err != nil {
		http.Error(w, "Invalid duration", http.StatusBadRequest)
		return
	}
	if !startStampRe.MatchString(start) {
		http.Error(w, "Invalid start time", http.StatusBadRequest)
		return
	}

	rawChannel := vars["channel"]
	wantPlaylist := strings.HasSuffix(rawChannel, ".m3u8")
	channelID, err := strconv.ParseInt(trimStreamExt(rawChannel), 10, 64)
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

	// Catch-up has no backup origins; the archive lives where it lives.
	ext := ".ts"
	if wantPlaylist {
		ext = ".m3u8"
	}
	target := directory.TimeshiftURL(provider, channel, duration, start, ext)
	resp, err := p.failover.Fetch(r.Context(), []string{target}, p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		logger.Warn("{proxy/timeshift - HandleTimeshift} archive fetch failed for channel %d: %v", channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Archive playlists name segments with the provider credentials in
	// their paths; they leave here rewritten like every other manifest.
	if wantPlaylist || isPlaylistResponse(resp) {
		body, err := readPlaylistBody(resp)
		if err != nil {
			http.Error(w, "Stream unavailable", http.StatusBadGateway)
			return
		}
		p.writeRewrittenPlaylist(w, body, upstreamFinalURL(resp), tokenTemplate(user, share, provider, channel, resp))
		return
	}

	passthroughHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	relay(w, resp.Body, "timeshift")
}
