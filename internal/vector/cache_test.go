package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/haricheung/ops-shell/internal/tasks"
)

// stubEmbedder returns canned vectors keyed by text, counting calls.
type stubEmbedder struct {
	vecs  map[string][]float32
	calls int
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newTestCache(t *testing.T, emb *stubEmbedder) (*Cache, *tasks.Tracker) {
	t.Helper()
	store := newTestStore(t)
	tracker := tasks.New(context.Background(), nil)
	return NewCache(store, emb, tracker, nil), tracker
}

func TestCache_SetThenGetExactQuery(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"show running containers": {1, 0, 0},
	}}
	c, tracker := newTestCache(t, emb)

	c.Set("show running containers", "docker ps output here")
	tracker.Wait()

	got, ok := c.Get(context.Background(), "show running containers")
	if !ok {
		t.Fatal("expected cache hit for identical query")
	}
	if got != "docker ps output here" {
		t.Errorf("cached response = %q", got)
	}
}

func TestCache_NearMissBelowThreshold(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"list pods":   {1, 0, 0},
		"delete pods": {0.5, 0.86, 0}, // cosine ~0.5 against {1,0,0}
	}}
	c, tracker := newTestCache(t, emb)

	c.Set("list pods", "kubectl get pods output")
	tracker.Wait()

	if _, ok := c.Get(context.Background(), "delete pods"); ok {
		t.Error("dissimilar query must not hit the cache")
	}
}

func TestCache_IgnoresNonCacheRecords(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{"q": {1, 0, 0}}}
	store := newTestStore(t)
	tracker := tasks.New(context.Background(), nil)
	c := NewCache(store, emb, tracker, nil)

	// A knowledge record at the exact same embedding must not answer as cache.
	store.Add([]string{"q"},
		[]map[string]string{{"context_type": "knowledge", "cached_response": "stale"}},
		[][]float32{{1, 0, 0}})

	if _, ok := c.Get(context.Background(), "q"); ok {
		t.Error("non-cache record answered a cache lookup")
	}
}

func TestCache_EmbedFailureReadsAsMiss(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("model offline")}
	c, _ := newTestCache(t, emb)
	if _, ok := c.Get(context.Background(), "anything"); ok {
		t.Error("embed failure must read as a miss")
	}
}
