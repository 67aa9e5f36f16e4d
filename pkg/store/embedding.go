package store

import (
	"github.com/jmylchreest/recall/pkg/embedding"
)

var _ embedding.Durable = (*BoltStore)(nil)

// GetEmbedding returns the cached vector for a content hash.
func (s *BoltStore) GetEmbedding(key string) ([]float32, bool, error) {
	var vec []float32
	err := s.View(func(tx *Tx) error {
		if data := tx.tx.Bucket(BucketEmbeddings).Get([]byte(key)); data != nil {
			vec = decodeVector(data)
		}
		return nil
	})
	return vec, vec != nil, err
}

// PutEmbedding caches vec under a content hash.
func (s *BoltStore) PutEmbedding(key string, vec []float32) error {
	return s.Update(func(tx *Tx) error {
		return tx.tx.Bucket(BucketEmbeddings).Put([]byte(key), encodeVector(vec))
	})
}
