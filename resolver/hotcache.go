package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"phonica_back/catalog"
)

const (
	resolvedCacheTTL     = 60 * time.Second
	resolvedCacheTimeout = 300 * time.Millisecond
)

// hotCache keeps recently resolved sources in Redis so repeated lookups
// for popular units skip the catalog. Entries are short-lived and always
// re-validated against expiry, so a sweep never serves ghosts for long.
type hotCache struct {
	client *redis.Client
}

func newHotCache(client *redis.Client) *hotCache {
	if client == nil {
		return nil
	}
	return &hotCache{client: client}
}

func (h *hotCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), resolvedCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= resolvedCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, resolvedCacheTimeout)
}

func (h *hotCache) key(unitKey string) string {
	if h == nil || h.client == nil || unitKey == "" {
		return ""
	}
	return fmt.Sprintf("audio:resolved:%s", unitKey)
}

func (h *hotCache) get(ctx context.Context, unitKey string) (*catalog.AudioSource, error) {
	if h == nil || h.client == nil {
		return nil, redis.Nil
	}
	key := h.key(unitKey)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var source catalog.AudioSource
	if err := json.Unmarshal(data, &source); err != nil {
		return nil, err
	}
	return &source, nil
}

func (h *hotCache) store(ctx context.Context, unitKey string, source *catalog.AudioSource) {
	if h == nil || h.client == nil || source == nil {
		return
	}
	key := h.key(unitKey)
	if key == "" {
		return
	}

	payload, err := json.Marshal(source)
	if err != nil {
		log.Printf("resolver: marshal resolved source cache payload failed: %v", err)
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Set(ctx, key, payload, resolvedCacheTTL).Err(); err != nil {
		log.Printf("resolver: store resolved source cache failed: %v", err)
	}
}

func (h *hotCache) invalidate(ctx context.Context, unitKey string) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(unitKey)
	if key == "" {
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, key).Err(); err != nil {
		log.Printf("resolver: invalidate resolved source cache failed: %v", err)
	}
}
