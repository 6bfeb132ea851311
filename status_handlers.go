package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"iptv-relay/work/database"
	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/sessions"
)

// registerStatusRoutes mounts the operator-facing status surface. JSON
// responses go through gzip; nothing here touches a stream path.
func registerStatusRoutes(router *mux.Router, registry *sessions.Registry, db *database.DB, pool *ants.Pool) {
	stats := directory.NewStats(db, pool)

	status := router.PathPrefix("/status").Subrouter()
	status.Use(middleware.Gzip)

	status.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		all, err := registry.Store().All(r.Context())
		if err != nil {
			logger.Error("{status_handlers - sessions} registry read failed: %v", err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"owner":    registry.Owner(),
			"count":    len(all),
			"sessions": all,
		})
	}).Methods(http.MethodGet)

	status.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		dbStats, err := db.GetStats()
		if err != nil {
			logger.Error("{status_handlers - stats} database stats failed: %v", err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"time":     time.Now().UTC(),
			"database": dbStats,
			"workers": map[string]int{
				"running":  pool.Running(),
				"capacity": pool.Cap(),
				"free":     pool.Free(),
			},
		})
	}).Methods(http.MethodGet)

	status.HandleFunc("/top", func(w http.ResponseWriter, r *http.Request) {
		top, err := stats.TopChannels(r.Context(), 20)
		if err != nil {
			logger.Error("{status_handlers - top} leaderboard query failed: %v", err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{"channels": top})
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{status_handlers - writeJSON} encode failed: %v", err)
	}
}
