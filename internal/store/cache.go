package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"snakkaz-e2ee/internal/observability/metrics"
	"snakkaz-e2ee/internal/ratchet"
)

// CachedSessions fronts a ratchet.Store with a bounded LRU whose entries
// expire after a TTL, so state written by another device is picked up within
// one TTL.
type CachedSessions struct {
	inner ratchet.Store
	lru   *expirable.LRU[string, *ratchet.State]
}

func NewCached(inner ratchet.Store, size int, ttl time.Duration) *CachedSessions {
	if size <= 0 {
		size = 256
	}
	return &CachedSessions{
		inner: inner,
		lru:   expirable.NewLRU[string, *ratchet.State](size, nil, ttl),
	}
}

func (c *CachedSessions) Load(ctx context.Context, conversationID string) (*ratchet.State, error) {
	if st, ok := c.lru.Get(conversationID); ok {
		metrics.SessionCacheLookupsTotal.WithLabelValues("hit").Inc()
		return st.Clone(), nil
	}
	metrics.SessionCacheLookupsTotal.WithLabelValues("miss").Inc()
	st, err := c.inner.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(conversationID, st.Clone())
	return st, nil
}

func (c *CachedSessions) Save(ctx context.Context, state *ratchet.State) error {
	if err := c.inner.Save(ctx, state); err != nil {
		c.lru.Remove(state.ConversationID)
		return err
	}
	c.lru.Add(state.ConversationID, state.Clone())
	return nil
}

func (c *CachedSessions) Delete(ctx context.Context, conversationID string) error {
	c.lru.Remove(conversationID)
	return c.inner.Delete(ctx, conversationID)
}

// Invalidate drops one cached entry.
func (c *CachedSessions) Invalidate(conversationID string) {
	c.lru.Remove(conversationID)
}

func (c *CachedSessions) Len() int {
	return c.lru.Len()
}

var _ ratchet.Store = (*CachedSessions)(nil)
