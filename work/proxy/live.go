package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
	"iptv-relay/work/sessions"
	"iptv-relay/work/transcode"
)

// HandleLive serves /live/{username}/{password}/{channel}. The channel path
// element may carry a .m3u8 or .ts extension; .m3u8 asks for the rewritten
// playlist, anything else for the raw stream. ?transcode=1 routes the
// stream through ffmpeg.
func (p *Proxy) HandleLive(w http.ResponseWriter, r *http.Request) {
	user, share, err := p.authenticate(r)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	rawChannel := mux.Vars(r)["channel"]
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

	// An .mp4 extension on a live channel implies the ffmpeg path; raw
	// mpegts cannot be served in an mp4 container.
	wantMP4 := strings.HasSuffix(rawChannel, ".mp4")
	transcoding := transcodeRequested(r, wantMP4)

	// A plain playlist fetch is a lookup, not a viewing session: HLS
	// players poll it continuously and must never trip the limits. The
	// admission store is not touched at all on this path.
	if wantPlaylist && !transcoding {
		p.serveLivePlaylist(w, r, user, share, channel, provider)
		return
	}

	key, err := p.admission.Admit(r.Context(), user, provider, clientIP(r), channel.Name)
	if err != nil {
		writeAdmissionFailure(w, err)
		return
	}
	defer p.release(key)

	p.stats.RecordView(user.ID, channel)

	if transcoding {
		format := "mpegts"
		if wantMP4 {
			format = "mp4"
		}
		p.serveTranscoded(w, r, key, channel, provider, "live", format)
		return
	}

	resp, err := p.failover.Fetch(r.Context(), directory.Candidates(provider, channel, "live"),
		p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		logger.Warn("{proxy/live - HandleLive} no origin for channel %d: %v", channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Providers sometimes answer a .ts request with a playlist; follow
	// what actually came back rather than what was asked for.
	if isPlaylistResponse(resp) {
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
	relay(w, resp.Body, "live")
}

// serveLivePlaylist fetches the channel playlist and serves the rewritten
// form without admission.
func (p *Proxy) serveLivePlaylist(w http.ResponseWriter, r *http.Request, user *directory.User, share *directory.ShareToken, channel *directory.Channel, provider *directory.Provider) {
	candidates := directory.Candidates(provider, channel, "live")
	for i, c := range candidates {
		candidates[i] = withM3U8Ext(c)
	}

	resp, err := p.failover.Fetch(r.Context(), candidates, p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := readPlaylistBody(resp)
	if err != nil {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	p.writeRewrittenPlaylist(w, body, upstreamFinalURL(resp), tokenTemplate(user, share, provider, channel, resp))
}

// serveTranscoded fetches the stream through the failover path, like every
// other route, and pipes the body through ffmpeg. ffmpeg never dials out
// itself, so the address policy and backup-origin walk stay in force.
func (p *Proxy) serveTranscoded(w http.ResponseWriter, r *http.Request, key sessions.Key, channel *directory.Channel, provider *directory.Provider, streamType, format string) {
	resp, err := p.failover.Fetch(r.Context(), directory.Candidates(provider, channel, streamType),
		p.upstreamHeaders(provider, channel, r), p.limiter(provider.ID))
	if err != nil {
		logger.Warn("{proxy/live - serveTranscoded} no origin for channel %d: %v", channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	task, err := transcode.Start(r.Context(), transcode.Options{
		FFmpegPath:   p.cfg.FFmpegPath,
		PreInput:     p.cfg.FFmpegPreInput,
		PreOutput:    p.cfg.FFmpegPreOutput,
		AudioBitrate: p.cfg.AudioBitrate,
		Format:       format,
	}, resp.Body)
	if err != nil {
		logger.Error("{proxy/live - serveTranscoded} transcoder failed to start: %v", err)
		http.Error(w, "Transcoder unavailable", http.StatusInternalServerError)
		return
	}
	defer task.Cancel()

	// Registering the cancel on the session lets CleanupUser from any
	// other request kill this pipeline.
	p.registry.TrackResource(key, task.Cancel)

	if format == "mp4" {
		w.Header().Set("Content-Type", "video/mp4")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.WriteHeader(http.StatusOK)

	relay(w, task.Output(), "transcode")

	task.Cancel()
	if err := task.Wait(); err != nil {
		logger.Warn("{proxy/live - serveTranscoded} ffmpeg exited with error: %v", err)
	}
}
