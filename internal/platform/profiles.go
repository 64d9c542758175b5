package platform

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/patrickmn/go-cache"
)

// ProfileFetcher looks up sender display names.
type ProfileFetcher interface {
	DisplayName(ctx context.Context, senderID string) (string, error)
}

// Profiles resolves display names through a fetcher with an expiring cache.
// Lookups never fail: anything that cannot be resolved becomes "Unknown".
type Profiles struct {
	fetcher ProfileFetcher
	cache   *cache.Cache
}

// NewProfiles creates a resolver. fetcher may be nil, in which case every
// uncached lookup resolves to "Unknown".
func NewProfiles(fetcher ProfileFetcher, ttl time.Duration) *Profiles {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Profiles{
		fetcher: fetcher,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the display name for senderID, preferring hint when the
// event already carried one.
func (p *Profiles) Resolve(ctx context.Context, senderID, hint string) string {
	if name := strings.TrimSpace(hint); name != "" {
		if senderID != "" {
			p.cache.SetDefault(senderID, name)
		}
		return name
	}
	if senderID == "" {
		return domain.UnknownDisplayName
	}
	if v, ok := p.cache.Get(senderID); ok {
		return v.(string)
	}
	if p.fetcher == nil {
		return domain.UnknownDisplayName
	}

	name, err := p.fetcher.DisplayName(ctx, senderID)
	if err != nil {
		slog.Warn("Profile lookup failed", "sender_id", senderID, "error", err)
		return domain.UnknownDisplayName
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.UnknownDisplayName
	}
	p.cache.SetDefault(senderID, name)
	return name
}
