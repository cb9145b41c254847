package vector

import (
	"math"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AddAndSearchOrdering(t *testing.T) {
	s := newTestStore(t)

	err := s.Add(
		[]string{"disk is full", "network is down", "all healthy"},
		[]map[string]string{{"k": "a"}, {"k": "b"}, {"k": "c"}},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := s.Search([]float32{1, 0, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2 above threshold", len(hits))
	}
	if hits[0].Text != "disk is full" {
		t.Errorf("best hit = %q, want the exact match first", hits[0].Text)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestStore_SearchLimit(t *testing.T) {
	s := newTestStore(t)
	s.Add(
		[]string{"a", "b", "c"},
		[]map[string]string{{}, {}, {}},
		[][]float32{{1, 0}, {0.9, 0.1}, {0.8, 0.2}},
	)
	hits, err := s.Search([]float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("limit ignored: %d hits", len(hits))
	}
}

func TestStore_AddLengthMismatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.Add([]string{"a"}, nil, nil); err == nil {
		t.Error("mismatched batch lengths should fail")
	}
}

func TestStore_DeleteByMetadataFilter(t *testing.T) {
	s := newTestStore(t)
	s.Add(
		[]string{"cache entry", "knowledge entry"},
		[]map[string]string{
			{"context_type": "semantic_cache", "session_id": "global_cache"},
			{"context_type": "knowledge", "session_id": "s1"},
		},
		[][]float32{{1, 0}, {0, 1}},
	)

	n, err := s.Delete(map[string]string{"context_type": "semantic_cache"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	hits, _ := s.Search([]float32{1, 0}, 10, 0)
	for _, h := range hits {
		if h.Metadata["context_type"] == "semantic_cache" {
			t.Errorf("cache entry survived delete: %+v", h)
		}
	}
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t)
	s.Add([]string{"x"}, []map[string]string{{}}, [][]float32{{1}})
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	hits, err := s.Search([]float32{1}, 10, 0)
	if err != nil || len(hits) != 0 {
		t.Errorf("after clear: %v, %v", hits, err)
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"empty", nil, nil, 0},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tc := range cases {
		if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: Cosine = %v, want %v", tc.name, got, tc.want)
		}
	}
}
