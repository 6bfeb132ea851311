package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"iptv-relay/work/admission"
	"iptv-relay/work/auth"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/directory"
	"iptv-relay/work/failover"
	"iptv-relay/work/handlers"
	"iptv-relay/work/logger"
	"iptv-relay/work/playlist"
	"iptv-relay/work/proxy"
	"iptv-relay/work/safenet"
	"iptv-relay/work/sessions"
	"iptv-relay/work/tokens"
)

func main() {
	cfg := config.LoadConfig()
	logger.SetLevel(cfg.LogLevel)
	logger.Info("{main - main} starting relay on port %d (log level %s)", cfg.ListenPort, logger.Level())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main - main} database open failed: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store: redis when configured, the sqlite table otherwise.
	var store sessions.Store
	if cfg.RedisAddr != "" {
		store, err = sessions.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Error("{main - main} redis store init failed: %v", err)
			os.Exit(1)
		}
	} else {
		store = sessions.NewSQLiteStore(db)
	}
	defer store.Close()

	registry := sessions.NewRegistry(store, sessions.ProcessOwner())
	// Sweep rows left behind by a crashed predecessor with our identity.
	registry.PurgeOwn(ctx)

	master, err := tokens.LoadMasterKey(cfg.EncryptionKey, cfg.DataDir)
	if err != nil {
		logger.Error("{main - main} token key load failed: %v", err)
		os.Exit(1)
	}
	codec, err := tokens.NewCodec(master)
	if err != nil {
		logger.Error("{main - main} token codec init failed: %v", err)
		os.Exit(1)
	}

	resolver := safenet.NewResolver(cfg.AllowedCIDRs)
	// No client-level timeout on the stream path: live relays run for
	// hours. Header and dial timeouts still apply.
	fetcher := safenet.NewFetcher(resolver, resolver.Client(0))

	pool, err := ants.NewPool(cfg.WorkerThreads)
	if err != nil {
		logger.Error("{main - main} worker pool init failed: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	dir := directory.New(db)
	authenticator, err := auth.New(dir, cfg.AuthCacheTTL)
	if err != nil {
		logger.Error("{main - main} authenticator init failed: %v", err)
		os.Exit(1)
	}
	defer authenticator.Close()

	p := proxy.New(proxy.Deps{
		Config:        cfg,
		Directory:     dir,
		Authenticator: authenticator,
		Admission:     admission.New(registry, cfg.AdmissionDelay),
		Registry:      registry,
		Failover:      failover.New(fetcher, cfg.ObfuscateUrls),
		Fetcher:       fetcher,
		Rewriter:      playlist.NewRewriter(codec, cfg.BaseURL),
		Codec:         codec,
		Stats:         directory.NewStats(db, pool),
	})

	router := handlers.NewRouter(p)
	registerStatusRoutes(router, registry, db, pool)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: stream responses are open-ended.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("{main - main} listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main - main} server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("{main - main} shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} forced shutdown: %v", err)
	}

	// Drop our own sessions so surviving siblings see the slots free.
	registry.PurgeOwn(shutdownCtx)
}
