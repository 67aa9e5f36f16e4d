package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/jmylchreest/recall/pkg/memory"
)

// MetaKeywordMappingHash is the meta key holding the hash of the mapping the
// on-disk keyword index was built with.
const MetaKeywordMappingHash = "keyword_mapping_hash"

// KeywordIndex is the bleve inverted index over record content and titles.
// Only live records are indexed; tombstoning removes the document.
type KeywordIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// KeywordFilter restricts keyword hits. Empty fields match everything; Tags
// must all be present.
type KeywordFilter struct {
	Kind    memory.Kind
	Project string
	Tags    []string
}

// KeywordHit is one BM25-scored match.
type KeywordHit struct {
	ID    string
	Score float64
}

// keywordDocument is the indexed shape of a record.
type keywordDocument struct {
	Content string   `json:"content"`
	Title   string   `json:"title"`
	Kind    string   `json:"kind"`
	Project string   `json:"project"`
	Tags    []string `json:"tags"`
}

// BuildKeywordMapping returns the index mapping: English stemming on free
// text, exact terms on the filterable fields, BM25 scoring.
func BuildKeywordMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.ScoringModel = "bm25"
	indexMapping.DefaultAnalyzer = en.AnalyzerName

	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = en.AnalyzerName
	text.Store = false
	text.IncludeTermVectors = false
	doc.AddFieldMappingsAt("content", text)

	title := bleve.NewTextFieldMapping()
	title.Analyzer = en.AnalyzerName
	title.Store = false
	doc.AddFieldMappingsAt("title", title)

	for _, field := range []string{"kind", "project", "tags"} {
		fm := bleve.NewKeywordFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = false
		fm.IncludeInAll = false
		doc.AddFieldMappingsAt(field, fm)
	}

	indexMapping.DefaultMapping = doc
	return indexMapping, nil
}

// NewKeywordIndex opens or creates the index at path. An empty path keeps the
// index in memory.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	idx, err := openKeywordIndex(path)
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{index: idx, path: path}, nil
}

func openKeywordIndex(path string) (bleve.Index, error) {
	m, err := BuildKeywordMapping()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return bleve.NewMemOnly(m)
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		return idx, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create keyword index directory: %w", err)
	}
	idx, err := bleve.New(path, m)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return idx, nil
}

// KeywordIndexPath returns the default keyword index location for a database.
func KeywordIndexPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "keyword.bleve")
}

func toKeywordDocument(m *memory.Memory) keywordDocument {
	return keywordDocument{
		Content: m.Content,
		Title:   m.Title,
		Kind:    string(m.Kind),
		Project: m.Project,
		Tags:    m.Tags,
	}
}

// Index adds or replaces the document for m.
func (k *KeywordIndex) Index(m *memory.Memory) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.index.Index(m.ID, toKeywordDocument(m))
}

// Delete removes id. Unknown ids are not an error.
func (k *KeywordIndex) Delete(id string) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.index.Delete(id)
}

// Search runs a BM25 match of text against content and title, restricted by f,
// and returns at most limit hits in score order.
func (k *KeywordIndex) Search(ctx context.Context, text string, f KeywordFilter, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 10
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	content := bleve.NewMatchQuery(text)
	content.SetField("content")
	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	match := bleve.NewDisjunctionQuery(content, title)

	musts := []query.Query{match}
	if f.Kind != "" {
		musts = append(musts, termQuery("kind", string(f.Kind)))
	}
	if f.Project != "" {
		musts = append(musts, termQuery("project", f.Project))
	}
	for _, tag := range f.Tags {
		musts = append(musts, termQuery("tags", tag))
	}

	var q query.Query = match
	if len(musts) > 1 {
		q = bleve.NewConjunctionQuery(musts...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	k.mu.RLock()
	res, err := k.index.SearchInContext(ctx, req)
	k.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	hits := make([]KeywordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, KeywordHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

func termQuery(field, term string) query.Query {
	q := bleve.NewTermQuery(term)
	q.SetField(field)
	return q
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count() (uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.index.DocCount()
}

// Reindex indexes every record in ms in one batch. Tombstoned records are
// skipped.
func (k *KeywordIndex) Reindex(ms []*memory.Memory) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	batch := k.index.NewBatch()
	for _, m := range ms {
		if m.Deleted() {
			continue
		}
		if err := batch.Index(m.ID, toKeywordDocument(m)); err != nil {
			return err
		}
	}
	return k.index.Batch(batch)
}

// Clear drops every document by recreating the index.
func (k *KeywordIndex) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.index.Close(); err != nil {
		return err
	}
	if k.path != "" {
		if err := os.RemoveAll(k.path); err != nil {
			return err
		}
	}
	idx, err := openKeywordIndex(k.path)
	if err != nil {
		return err
	}
	k.index = idx
	return nil
}

// Close closes the index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Close()
}

// KeywordMappingStale reports whether the stored mapping hash differs from
// the current mapping, and returns the current hash.
func (s *BoltStore) KeywordMappingStale() (bool, string, error) {
	m, err := BuildKeywordMapping()
	if err != nil {
		return false, "", err
	}
	hash := MappingHash(m)
	stored, err := s.GetMeta(MetaKeywordMappingHash)
	if err == ErrNotFound {
		return true, hash, nil
	}
	if err != nil {
		return false, "", err
	}
	return stored != hash, hash, nil
}
