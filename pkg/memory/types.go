// Package memory provides the core data types for recall.
package memory

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Kind is the closed set of memory record types.
type Kind string

const (
	KindKnowledge Kind = "knowledge" // Semantic facts
	KindEpisode   Kind = "episode"   // Task attempts with outcome and feedback
	KindDecision  Kind = "decision"  // Choices made with rationale
	KindPattern   Kind = "pattern"   // Reusable approaches
	KindCodeChunk Kind = "code_chunk"
)

// Kinds lists every valid Kind in display order.
var Kinds = []Kind{KindKnowledge, KindEpisode, KindDecision, KindPattern, KindCodeChunk}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// DefaultConfidence is assigned to records created without an explicit confidence.
const DefaultConfidence = 1.0

// Memory is a single stored record.
type Memory struct {
	ID               string          `json:"id"`
	Kind             Kind            `json:"kind"`
	Content          string          `json:"content"`
	Title            string          `json:"title,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"` // Shape depends on Kind, see metadata.go
	Embedding        []float32       `json:"embedding,omitempty"`
	EmbeddingPending bool            `json:"embedding_pending,omitempty"` // Keyword-searchable only until re-embedded
	Tags             []string        `json:"tags,omitempty"`
	Project          string          `json:"project,omitempty"`
	Confidence       float64         `json:"confidence"`
	AccessCount      uint64          `json:"access_count"`
	LastAccessed     time.Time       `json:"last_accessed,omitzero"`
	SourceTask       string          `json:"source_task,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        time.Time       `json:"deleted_at,omitzero"`
}

// Deleted reports whether the record has been tombstoned.
func (m *Memory) Deleted() bool {
	return !m.DeletedAt.IsZero()
}

// HasTags reports whether m carries every tag in tags.
func (m *Memory) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(m.Tags, t) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	c := *m
	c.Metadata = slices.Clone(m.Metadata)
	c.Embedding = slices.Clone(m.Embedding)
	c.Tags = slices.Clone(m.Tags)
	return &c
}

// WithoutEmbedding returns a copy of m with the vector dropped, for output.
func (m *Memory) WithoutEmbedding() *Memory {
	c := *m
	c.Embedding = nil
	return &c
}

// NormalizeTags trims, de-duplicates and sorts tags. Tags are a set, so order
// carries no meaning and the stored form is canonical.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Edge is a directed RelatesTo link between two memories.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Strength  float64   `json:"strength"`
	Reason    string    `json:"reason,omitempty"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`
}

// Edge reasons used by the engine itself.
const (
	ReasonSemanticSimilarity = "semantic_similarity"
	ReasonManual             = "manual"
)

// Related is a neighbour reached while expanding a record's graph neighbourhood.
type Related struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Title string `json:"title,omitempty"`
	Hop   int    `json:"hop"`
	Edge  *Edge  `json:"edge,omitempty"` // Edge that first reached this neighbour
}

// ChangeOp identifies what produced a change-log entry.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is one audit entry: the state of a record as it was before (update,
// delete) or after (create) the operation.
type Change struct {
	MemoryID string    `json:"memory_id"`
	Op       ChangeOp  `json:"op"`
	Snapshot *Memory   `json:"snapshot"`
	At       time.Time `json:"at"`
}

// ListOptions filters record listings.
type ListOptions struct {
	Kind           Kind
	Project        string
	Tags           []string
	IncludeDeleted bool
	Limit          int
}

// Match reports whether m passes the filter.
func (o ListOptions) Match(m *Memory) bool {
	if m.Deleted() && !o.IncludeDeleted {
		return false
	}
	if o.Kind != "" && m.Kind != o.Kind {
		return false
	}
	if o.Project != "" && m.Project != o.Project {
		return false
	}
	return m.HasTags(o.Tags)
}

// Stats aggregates record counts.
type Stats struct {
	Total             int            `json:"total"`
	ByKind            map[Kind]int   `json:"by_kind"`
	ByProject         map[string]int `json:"by_project"`
	AverageConfidence float64        `json:"average_confidence"`
	TotalEdges        int            `json:"total_edges"`
	EmbeddingPending  int            `json:"embedding_pending"`
}
