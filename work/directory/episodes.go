package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EpisodeRef names one series episode at one provider explicitly. Series
// requests carry the provider and the provider's own episode id as separate
// values.
type EpisodeRef struct {
	ProviderID      int64
	RemoteEpisodeID int64
}

// legacyPackBase is the multiplier older clients used to pack a provider id
// and an episode id into a single integer.
const legacyPackBase = 1_000_000_000

// ErrBadEpisodeRef is returned for episode references that cannot be decoded.
var ErrBadEpisodeRef = errors.New("malformed episode reference")

// ParseEpisodeRef decodes an episode reference from its request form.
//
// Two shapes are accepted:
//   - "providerID:episodeID" - the explicit form
//   - a single packed integer providerID*1e9+episodeID - the legacy form,
//     still emitted by old playlist exports
//
// The packed form is bounds-checked: the provider part must be positive and
// small enough that the value could not be a plain episode id mistaken for
// a packed one.
func ParseEpisodeRef(raw string) (EpisodeRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EpisodeRef{}, ErrBadEpisodeRef
	}

	if provider, episode, ok := strings.Cut(raw, ":"); ok {
		pid, err := strconv.ParseInt(provider, 10, 64)
		if err != nil || pid <= 0 {
			return EpisodeRef{}, fmt.Errorf("%w: %q", ErrBadEpisodeRef, raw)
		}
		eid, err := strconv.ParseInt(episode, 10, 64)
		if err != nil || eid <= 0 {
			return EpisodeRef{}, fmt.Errorf("%w: %q", ErrBadEpisodeRef, raw)
		}
		return EpisodeRef{ProviderID: pid, RemoteEpisodeID: eid}, nil
	}

	packed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return EpisodeRef{}, fmt.Errorf("%w: %q", ErrBadEpisodeRef, raw)
	}
	return DecodeLegacyEpisodeID(packed)
}

// DecodeLegacyEpisodeID splits a packed provider*1e9+episode id.
func DecodeLegacyEpisodeID(packed int64) (EpisodeRef, error) {
	if packed <= 0 {
		return EpisodeRef{}, fmt.Errorf("%w: %d", ErrBadEpisodeRef, packed)
	}
	provider := packed / legacyPackBase
	episode := packed % legacyPackBase
	if provider <= 0 || provider > 1<<31 || episode <= 0 {
		return EpisodeRef{}, fmt.Errorf("%w: %d", ErrBadEpisodeRef, packed)
	}
	return EpisodeRef{ProviderID: provider, RemoteEpisodeID: episode}, nil
}

// GetEpisodeForUser resolves an episode reference to its catalog channel,
// honoring the same grant rules as GetChannelForUser. The episode must be a
// series entry at the referenced provider.
func (d *Directory) GetEpisodeForUser(ctx context.Context, userID int64, ref EpisodeRef) (*Channel, error) {
	return d.scanChannel(d.db.QueryRowContext(ctx, `
		SELECT c.id, c.provider_id, c.name, c.stream_id, c.stream_type, c.category, c.metadata, c.backup_urls
		FROM provider_channels c
		WHERE c.provider_id = ? AND c.stream_id = ? AND c.stream_type = 'series'
		  AND (
			EXISTS (SELECT 1 FROM user_channels uc WHERE uc.user_id = ? AND uc.channel_id = c.id)
			OR EXISTS (SELECT 1 FROM user_categories ug WHERE ug.user_id = ? AND ug.category = c.category)
		  )`,
		ref.ProviderID, strconv.FormatInt(ref.RemoteEpisodeID, 10), userID, userID))
}
