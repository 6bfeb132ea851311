// Package admission decides whether a stream request may open an upstream
// session. Limits count DISTINCT session tuples, shared across every relay
// process through the session store.
package admission

import (
	"context"
	"errors"
	"time"

	"iptv-relay/work/directory"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/sessions"
)

var (
	// ErrUserLimit means the user is at their connection cap. The message
	// is part of the client contract; players show it verbatim.
	ErrUserLimit = errors.New("Max connections reached")
	// ErrProviderLimit means the upstream provider is at its cap.
	ErrProviderLimit = errors.New("Provider max connections reached")
)

// Controller runs the admission flow.
type Controller struct {
	registry *sessions.Registry
	delay    time.Duration
}

// New builds a Controller. delay is the settle pause between tearing down a
// user's stale sessions and counting: it gives sibling processes time to
// finish their own removals when a player zaps channels quickly.
func New(registry *sessions.Registry, delay time.Duration) *Controller {
	return &Controller{registry: registry, delay: delay}
}

// Admit runs the admission flow for one stream request and, on success,
// registers the session. The caller owns releasing the returned key once
// the stream ends, on EVERY exit path.
//
// Flow:
//  1. Tear down whatever this user already had running at this IP. A player
//     switching channels reuses its slot instead of leaking the old one.
//  2. Wait out the settle delay.
//  3. If the exact tuple is already active again (a parallel request for
//     the same stream won the race), admit without counting: same tuple,
//     same slot.
//  4. Count the user's distinct tuples against their cap.
//  5. Count the provider's distinct tuples against its cap; zero means
//     unlimited.
func (c *Controller) Admit(ctx context.Context, user *directory.User, provider *directory.Provider, ip, channelName string) (sessions.Key, error) {
	key := sessions.Key{
		UserID:      user.ID,
		IP:          ip,
		ChannelName: channelName,
		ProviderID:  provider.ID,
	}

	c.registry.CleanupUser(ctx, user.ID, ip)

	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return sessions.Key{}, ctx.Err()
	}

	store := c.registry.Store()

	active, err := store.IsActive(ctx, key)
	if err != nil {
		return sessions.Key{}, err
	}
	if active {
		logger.Debug("{admission/admission - Admit} tuple already active, joining: %s", key.String())
		return key, nil
	}

	if user.MaxConnections > 0 {
		count, err := store.CountUser(ctx, user.ID)
		if err != nil {
			return sessions.Key{}, err
		}
		if count >= user.MaxConnections {
			metrics.AdmissionRejections.WithLabelValues("user_limit").Inc()
			logger.Info("{admission/admission - Admit} user %d at limit (%d/%d)", user.ID, count, user.MaxConnections)
			return sessions.Key{}, ErrUserLimit
		}
	}

	if provider.MaxConnections > 0 {
		count, err := store.CountProvider(ctx, provider.ID)
		if err != nil {
			return sessions.Key{}, err
		}
		if count >= provider.MaxConnections {
			metrics.AdmissionRejections.WithLabelValues("provider_limit").Inc()
			logger.Info("{admission/admission - Admit} provider %d at limit (%d/%d)", provider.ID, count, provider.MaxConnections)
			return sessions.Key{}, ErrProviderLimit
		}
	}

	if err := c.registry.Register(ctx, key); err != nil {
		return sessions.Key{}, err
	}
	logger.Debug("{admission/admission - Admit} admitted %s", key.String())
	return key, nil
}
