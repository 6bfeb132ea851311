package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
	"iptv-relay/work/playlist"
	"iptv-relay/work/safenet"
	"iptv-relay/work/tokens"
)

// maxPlaylistBytes bounds how much of an upstream body is read when it
// turns out to be a manifest. Real playlists are a few KB.
const maxPlaylistBytes = 4 << 20

// trimStreamExt strips a trailing media extension off a route element.
func trimStreamExt(s string) string {
	for _, ext := range []string{".m3u8", ".ts", ".mpd", ".mp4", ".mkv"} {
		if strings.HasSuffix(s, ext) {
			return strings.TrimSuffix(s, ext)
		}
	}
	return s
}

// withM3U8Ext rewrites a stream URL to ask for the HLS playlist form.
func withM3U8Ext(rawURL string) string {
	if strings.HasSuffix(rawURL, ".m3u8") {
		return rawURL
	}
	if strings.HasSuffix(rawURL, ".ts") {
		return strings.TrimSuffix(rawURL, ".ts") + ".m3u8"
	}
	return rawURL
}

// upstreamFinalURL reports where the (possibly redirected) fetch landed,
// which is the base rewritten playlist references resolve against.
func upstreamFinalURL(resp *http.Response) string {
	return safenet.FinalURL(resp)
}

// isPlaylistResponse decides whether an upstream response body is an HLS
// manifest, by content type or by where the redirect chain ended.
func isPlaylistResponse(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	final := upstreamFinalURL(resp)
	if u, err := url.Parse(final); err == nil && strings.HasSuffix(u.Path, ".m3u8") {
		return true
	}
	return false
}

// readPlaylistBody reads a bounded manifest body.
func readPlaylistBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
}

// writeRewrittenPlaylist rewrites a manifest body and serves it with the
// HLS content type and caching disabled. template is the payload sealed
// into every segment token: the viewer identity and the upstream headers.
func (p *Proxy) writeRewrittenPlaylist(w http.ResponseWriter, body []byte, upstreamURL string, template tokens.Payload) {
	if playlist.Classify(body) == playlist.KindUnknown {
		logger.Warn("{proxy/helpers - writeRewrittenPlaylist} upstream body is not a playlist")
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	rewritten, err := p.rewriter.RewriteHLS(body, upstreamURL, template)
	if err != nil {
		logger.Error("{proxy/helpers - writeRewrittenPlaylist} rewrite failed: %v", err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return
	}

	noCache(w)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	w.Write(rewritten)
}

// lookupChannel resolves a channel id for a user (or share guest) and
// writes the failure response itself when the lookup does not pan out.
func (p *Proxy) lookupChannel(w http.ResponseWriter, r *http.Request, user *directory.User, share *directory.ShareToken, channelID int64) (*directory.Channel, bool) {
	if share != nil && !share.AllowsChannel(channelID) {
		http.Error(w, "Channel not available", http.StatusForbidden)
		return nil, false
	}

	channel, err := p.dir.GetChannelForUser(r.Context(), user.ID, channelID)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrNotAuthorized):
			http.Error(w, "Channel not available", http.StatusForbidden)
		case errors.Is(err, directory.ErrNotFound):
			http.Error(w, "Channel not found", http.StatusNotFound)
		default:
			logger.Error("{proxy/helpers - lookupChannel} lookup failed: %v", err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		}
		return nil, false
	}
	return channel, true
}

// lookupProvider resolves a channel's provider, writing the failure
// response on error or when the provider is disabled.
func (p *Proxy) lookupProvider(w http.ResponseWriter, r *http.Request, channel *directory.Channel) (*directory.Provider, bool) {
	provider, err := p.dir.GetProvider(r.Context(), channel.ProviderID)
	if err != nil {
		logger.Error("{proxy/helpers - lookupProvider} provider %d missing for channel %d: %v",
			channel.ProviderID, channel.ID, err)
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return nil, false
	}
	if !provider.Enabled {
		http.Error(w, "Stream unavailable", http.StatusBadGateway)
		return nil, false
	}
	return provider, true
}
