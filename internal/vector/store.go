// Package vector is the LevelDB-backed vector memory shared by the
// knowledge features and the semantic cache. Records carry their embedding
// inline; search is a cosine-similarity scan, which stays fast at the
// store sizes a single operator accumulates.
package vector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key scheme: "v|<uuid>" → record JSON. The single prefix keeps a future
// secondary index ("x|...") possible without a schema break.
const prefixRecord = "v|"

// Record is one stored memory.
type Record struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding"`
}

// Result is one search hit.
type Result struct {
	Text     string
	Metadata map[string]string
	Score    float64
}

// Store wraps the LevelDB handle.
type Store struct {
	db  *leveldb.DB
	log *zap.Logger
}

// Open opens (or creates) the store directory. LevelDB is single-writer;
// a second opener gets an error rather than silent corruption.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: open %s: %w", path, err)
	}
	return &Store{db: db, log: log.Named("vector")}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Add persists texts with parallel metadatas and embeddings in one batch.
func (s *Store) Add(texts []string, metadatas []map[string]string, embeddings [][]float32) error {
	if len(texts) != len(metadatas) || len(texts) != len(embeddings) {
		return fmt.Errorf("vector: add: %d texts, %d metadatas, %d embeddings", len(texts), len(metadatas), len(embeddings))
	}
	batch := new(leveldb.Batch)
	for i := range texts {
		rec := Record{
			ID:        uuid.New().String(),
			Text:      texts[i],
			Metadata:  metadatas[i],
			Embedding: embeddings[i],
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("vector: marshal record: %w", err)
		}
		batch.Put([]byte(prefixRecord+rec.ID), data)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("vector: write batch: %w", err)
	}
	return nil
}

// Search scans every record, scores it against queryVec by cosine
// similarity and returns up to limit results at or above threshold,
// best first.
func (s *Store) Search(queryVec []float32, limit int, threshold float64) ([]Result, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	defer iter.Release()

	var hits []Result
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.log.Warn("skipping unreadable record", zap.String("key", string(iter.Key())), zap.Error(err))
			continue
		}
		score := Cosine(queryVec, rec.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, Result{Text: rec.Text, Metadata: rec.Metadata, Score: score})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("vector: search iterate: %w", err)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete removes every record whose metadata contains all filter pairs.
// Returns how many records were removed.
func (s *Store) Delete(filter map[string]string) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	var keys [][]byte
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if matchesFilter(rec.Metadata, filter) {
			k := make([]byte, len(iter.Key()))
			copy(k, iter.Key())
			keys = append(keys, k)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("vector: delete iterate: %w", err)
	}

	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(k)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("vector: delete batch: %w", err)
	}
	return len(keys), nil
}

// Clear removes every record. Used by the nuclear reset.
func (s *Store) Clear() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("vector: clear iterate: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("vector: clear batch: %w", err)
	}
	return nil
}

func matchesFilter(md, filter map[string]string) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}

// Cosine is the similarity between two vectors; zero when either is empty
// or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
