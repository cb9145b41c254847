package vector

import (
	"context"

	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/tasks"
)

// Semantic cache entries share the vector store with other knowledge data,
// distinguished by these metadata tags.
const (
	ctxTypeKey    = "context_type"
	ctxTypeCache  = "semantic_cache"
	cacheSession  = "global_cache"
	cacheLimit    = 1
	cacheMinScore = 0.95
)

// Embedder turns text into a vector. Satisfied by the LLM client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache short-circuits the planner on near-duplicate queries.
type Cache struct {
	store   *Store
	embed   Embedder
	tracker *tasks.Tracker
	log     *zap.Logger
}

// NewCache builds a Cache over the shared store. Writes go through tracker
// so shutdown can await them; losing one under a hard stop is acceptable.
func NewCache(store *Store, embed Embedder, tracker *tasks.Tracker, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, embed: embed, tracker: tracker, log: log.Named("cache")}
}

// Get returns the cached response for a query whose nearest neighbor
// scores >= 0.95 cosine and carries the semantic_cache tag. Embedding or
// search failures read as a miss.
func (c *Cache) Get(ctx context.Context, query string) (string, bool) {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		c.log.Warn("cache embed failed", zap.Error(err))
		return "", false
	}
	hits, err := c.store.Search(vec, cacheLimit, cacheMinScore)
	if err != nil {
		c.log.Warn("cache search failed", zap.Error(err))
		return "", false
	}
	if len(hits) == 0 {
		return "", false
	}
	hit := hits[0]
	if hit.Metadata[ctxTypeKey] != ctxTypeCache {
		return "", false
	}
	resp := hit.Metadata["cached_response"]
	if resp == "" {
		return "", false
	}
	c.log.Debug("semantic cache hit", zap.Float64("score", hit.Score))
	return resp, true
}

// Set stores a query → response pair as a tracked background task.
func (c *Cache) Set(query, response string) {
	c.tracker.Go("semantic-cache-set", func(ctx context.Context) {
		vec, err := c.embed.Embed(ctx, query)
		if err != nil {
			c.log.Warn("cache set embed failed", zap.Error(err))
			return
		}
		md := map[string]string{
			ctxTypeKey:        ctxTypeCache,
			"query":           query,
			"cached_response": response,
			"session_id":      cacheSession,
		}
		if err := c.store.Add([]string{query}, []map[string]string{md}, [][]float32{vec}); err != nil {
			c.log.Warn("cache set failed", zap.Error(err))
		}
	})
}
