package sessions

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
)

// Registry is the process-local view over the shared Store. Beyond the
// shared rows it tracks releasable local resources (a running transcoder,
// an upstream body) per session key, so tearing a session down also stops
// whatever this process started for it.
type Registry struct {
	store     Store
	owner     string
	resources *xsync.MapOf[Key, func()]
}

// NewRegistry builds a registry writing sessions under the given owner
// identity.
func NewRegistry(store Store, owner string) *Registry {
	return &Registry{
		store:     store,
		owner:     owner,
		resources: xsync.NewMapOf[Key, func()](),
	}
}

// Store exposes the underlying shared store for read-side surfaces.
func (r *Registry) Store() Store { return r.store }

// Owner returns the identity this registry writes sessions under.
func (r *Registry) Owner() string { return r.owner }

// Register records an admitted session in the shared store.
func (r *Registry) Register(ctx context.Context, k Key) error {
	err := r.store.Add(ctx, Session{
		UserID:      k.UserID,
		IP:          k.IP,
		ChannelName: k.ChannelName,
		ProviderID:  k.ProviderID,
		Owner:       r.owner,
		StartedAt:   time.Now(),
	})
	if err == nil {
		metrics.ActiveSessions.Inc()
	}
	return err
}

// TrackResource attaches a teardown function to a session key. A previous
// resource under the same key is cancelled first; one tuple runs one
// pipeline.
func (r *Registry) TrackResource(k Key, cancel func()) {
	if prev, loaded := r.resources.LoadAndStore(k, cancel); loaded && prev != nil {
		prev()
	}
}

// Release removes a session from the shared store and cancels any local
// resource attached to it. Idempotent, so every exit path of a stream
// handler can funnel through here.
func (r *Registry) Release(ctx context.Context, k Key) {
	if cancel, loaded := r.resources.LoadAndDelete(k); loaded && cancel != nil {
		cancel()
	}
	removed, err := r.store.Remove(ctx, k)
	if err != nil {
		logger.Error("{sessions/registry - Release} failed to remove %s: %v", k.String(), err)
		return
	}
	if removed {
		metrics.ActiveSessions.Dec()
	}
}

// CleanupUser tears down everything registered for a user at a client IP:
// local resources are cancelled and the shared rows removed. Runs at the
// top of every admission so a zapping viewer does not accumulate ghost
// sessions against their own limit.
func (r *Registry) CleanupUser(ctx context.Context, userID int64, ip string) {
	existing, err := r.store.FindUserIP(ctx, userID, ip)
	if err != nil {
		logger.Error("{sessions/registry - CleanupUser} lookup failed for user %d at %s: %v", userID, ip, err)
		return
	}
	for _, sess := range existing {
		logger.Debug("{sessions/registry - CleanupUser} dropping session %s", sess.Key().String())
		r.Release(ctx, sess.Key())
	}
}

// PurgeOwn removes rows left behind by a previous process with our owner
// identity. Called once at startup, before serving.
func (r *Registry) PurgeOwn(ctx context.Context) {
	if _, err := r.store.PurgeOwner(ctx, r.owner); err != nil {
		logger.Error("{sessions/registry - PurgeOwn} sweep failed: %v", err)
	}
}
