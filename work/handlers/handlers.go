// Package handlers wires the HTTP routes onto the stream orchestrator.
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-relay/work/logger"
	"iptv-relay/work/proxy"
)

// NewRouter builds the relay's route table. Stream routes are registered
// most-specific first; gorilla matches in order, and /live/segment must not
// fall through to the credentialed /live pattern.
func NewRouter(p *proxy.Proxy) *mux.Router {
	r := mux.NewRouter()

	// Segment endpoint, token-authorized. The credentialed spelling is
	// accepted for players that template every path, but the token alone
	// decides.
	r.HandleFunc("/live/segment", p.HandleSegment).Methods(http.MethodGet)
	r.HandleFunc("/live/segment/{file:seg\\.(?:ts|key)}", p.HandleSegment).Methods(http.MethodGet)
	r.HandleFunc("/live/segment/{username}/{password}/{file:seg\\.(?:ts|key)}", p.HandleSegment).Methods(http.MethodGet)
	r.HandleFunc("/live/segment/{token}/{tail:.*}", p.HandleSegmentPath).Methods(http.MethodGet)

	// Catch-up and DASH, credentialed.
	r.HandleFunc("/live/timeshift/{username}/{password}/{duration}/{start}/{channel}", p.HandleTimeshift).Methods(http.MethodGet)
	r.HandleFunc("/live/mpd/{username}/{password}/{channel}", p.HandleDASH).Methods(http.MethodGet)
	r.HandleFunc("/live/mpd/{username}/{password}/{channel}/{path:.*}", p.HandleDASHPath).Methods(http.MethodGet)

	// Main stream routes.
	r.HandleFunc("/live/{username}/{password}/{channel}", p.HandleLive).Methods(http.MethodGet)
	r.HandleFunc("/movie/{username}/{password}/{channel}", p.HandleMovie).Methods(http.MethodGet)
	r.HandleFunc("/series/{username}/{password}/{episode}", p.HandleSeries).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("{handlers/handlers - NotFound} %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})

	return r
}
