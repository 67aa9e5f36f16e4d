package main

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/search"
	"github.com/jmylchreest/recall/pkg/service"
)

// ============================================================================
// Input types for memory, graph and system tools
// ============================================================================

type StoreInput struct {
	Kind       string         `json:"kind" jsonschema:"Record kind: knowledge, episode, decision, pattern or code_chunk"`
	Content    string         `json:"content" jsonschema:"The text to remember (required)"`
	Title      string         `json:"title,omitempty" jsonschema:"Short title"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"Kind-specific fields, e.g. decision: {topic, rationale, alternatives}; code_chunk: {file_path, language, start_line, end_line}"`
	Tags       []string       `json:"tags,omitempty" jsonschema:"Tags for filtering"`
	Project    string         `json:"project,omitempty" jsonschema:"Project name"`
	Confidence *float64       `json:"confidence,omitempty" jsonschema:"Confidence in [0, 1] (default 1)"`
	SourceTask string         `json:"source_task,omitempty" jsonschema:"Task id that produced this memory"`
}

type SearchInput struct {
	Query        string   `json:"query" jsonschema:"Natural-language query (required)"`
	Kind         string   `json:"kind,omitempty" jsonschema:"Only records of this kind"`
	Project      string   `json:"project,omitempty" jsonschema:"Only records in this project"`
	Tags         []string `json:"tags,omitempty" jsonschema:"Only records carrying all of these tags"`
	MaxResults   int      `json:"max_results,omitempty" jsonschema:"Maximum index entries (default 10, max 100)"`
	MaxTokens    int      `json:"max_tokens,omitempty" jsonschema:"Token budget for full details (default 2000)"`
	IncludeGraph bool     `json:"include_graph,omitempty" jsonschema:"Attach one-hop related records to each detail"`
}

type ReadInput struct {
	ID    string `json:"id" jsonschema:"Memory id (required)"`
	Depth int    `json:"depth,omitempty" jsonschema:"Graph depth for related records, 1-3 (default 1)"`
}

type UpdateInput struct {
	ID         string         `json:"id" jsonschema:"Memory id (required)"`
	Content    *string        `json:"content,omitempty" jsonschema:"New content; re-embeds the record"`
	Title      *string        `json:"title,omitempty" jsonschema:"New title"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"Merge patch: keys set to null are removed"`
	Tags       *[]string      `json:"tags,omitempty" jsonschema:"Replacement tag list"`
	Confidence *float64       `json:"confidence,omitempty" jsonschema:"New confidence in [0, 1]"`
}

type IDInput struct {
	ID string `json:"id" jsonschema:"Memory id (required)"`
}

type LinkInput struct {
	FromID   string   `json:"from_id" jsonschema:"Source memory id (required)"`
	ToID     string   `json:"to_id" jsonschema:"Target memory id (required)"`
	Reason   string   `json:"reason,omitempty" jsonschema:"Why the records relate (default manual)"`
	Strength *float64 `json:"strength,omitempty" jsonschema:"Edge strength in [0, 1] (default 0.8)"`
}

type StatsInput struct {
	Project string `json:"project,omitempty" jsonschema:"Restrict counts to a project"`
	Kind    string `json:"kind,omitempty" jsonschema:"Restrict counts to a kind"`
}

type EmbedBatchInput struct {
	Texts []string `json:"texts" jsonschema:"Texts to embed (required)"`
}

type emptyInput struct{}

// ============================================================================
// Memory tools
// ============================================================================

func (s *MCPServer) registerMemoryTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "store",
		Description: `Store a memory. It is embedded, indexed for keyword and semantic search,
and linked to its most similar existing memories.

**Kinds:** knowledge (facts), episode (task attempts), decision (choices with
rationale), pattern (reusable approaches), code_chunk (source excerpts).

If the embedding provider is down the memory is still stored and becomes
semantically searchable once re-embedded.`,
	}, s.handleStore)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "search",
		Description: `Hybrid keyword and semantic search over memories.

Returns a lightweight index of every match (id, title, kind, snippet, score)
plus full details of the leading matches that fit in max_tokens.
Call read with an id from the index to fetch anything else.`,
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "read",
		Description: `Read a memory by id with its related memories up to depth hops.`,
	}, s.handleRead)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "update",
		Description: `Update fields of a memory. Omitted fields are left unchanged.`,
	}, s.handleUpdate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete",
		Description: `Delete a memory. It disappears from search and reads; its history is kept.`,
	}, s.handleDelete)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "history",
		Description: `List the recorded changes of a memory, oldest first, including deleted ones.`,
	}, s.handleHistory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "stats",
		Description: `Count memories by kind and project, with average confidence and edge total.`,
	}, s.handleStats)
}

func (s *MCPServer) handleStore(ctx context.Context, _ *mcp.CallToolRequest, in StoreInput) (*mcp.CallToolResult, any, error) {
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return s.respond("store", nil, err)
	}
	res, err := s.svc.Store(ctx, engine.CreateInput{
		Kind:       memory.Kind(in.Kind),
		Content:    in.Content,
		Title:      in.Title,
		Metadata:   meta,
		Tags:       in.Tags,
		Project:    in.Project,
		Confidence: in.Confidence,
		SourceTask: in.SourceTask,
	})
	return s.respond("store", res, err)
}

func (s *MCPServer) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.Search(ctx, search.Query{
		Query:        in.Query,
		Kind:         memory.Kind(in.Kind),
		Project:      in.Project,
		Tags:         in.Tags,
		MaxResults:   in.MaxResults,
		MaxTokens:    in.MaxTokens,
		IncludeGraph: in.IncludeGraph,
	})
	return s.respond("search", res, err)
}

func (s *MCPServer) handleRead(ctx context.Context, _ *mcp.CallToolRequest, in ReadInput) (*mcp.CallToolResult, any, error) {
	depth := in.Depth
	if depth == 0 {
		depth = 1
	}
	res, err := s.svc.Read(ctx, in.ID, depth)
	return s.respond("read", res, err)
}

func (s *MCPServer) handleUpdate(ctx context.Context, _ *mcp.CallToolRequest, in UpdateInput) (*mcp.CallToolResult, any, error) {
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return s.respond("update", nil, err)
	}
	res, err := s.svc.Update(ctx, in.ID, engine.UpdateInput{
		Content:    in.Content,
		Title:      in.Title,
		Metadata:   meta,
		Tags:       in.Tags,
		Confidence: in.Confidence,
	})
	return s.respond("update", res, err)
}

func (s *MCPServer) handleDelete(ctx context.Context, _ *mcp.CallToolRequest, in IDInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.Delete(ctx, in.ID)
	return s.respond("delete", res, err)
}

func (s *MCPServer) handleHistory(ctx context.Context, _ *mcp.CallToolRequest, in IDInput) (*mcp.CallToolResult, any, error) {
	changes, err := s.svc.History(ctx, in.ID)
	return s.respond("history", changes, err)
}

func (s *MCPServer) handleStats(ctx context.Context, _ *mcp.CallToolRequest, in StatsInput) (*mcp.CallToolResult, any, error) {
	st, err := s.svc.Stats(ctx, in.Project, memory.Kind(in.Kind))
	return s.respond("stats", st, err)
}

// ============================================================================
// Graph tools
// ============================================================================

func (s *MCPServer) registerGraphTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "link",
		Description: `Link two memories with a directed relates-to edge. Linking an already linked
pair returns the existing edge.`,
	}, s.handleLink)
}

func (s *MCPServer) handleLink(ctx context.Context, _ *mcp.CallToolRequest, in LinkInput) (*mcp.CallToolResult, any, error) {
	edge, err := s.svc.Link(ctx, in.FromID, in.ToID, in.Reason, in.Strength)
	return s.respond("link", edge, err)
}

// ============================================================================
// System tools
// ============================================================================

func (s *MCPServer) registerSystemTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ping",
		Description: `Check that the memory service is up. Reports the database, embedding provider and cache counters.`,
	}, s.handlePing)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "embed_batch",
		Description: `Embed several texts with the configured provider, through the embedding cache.`,
	}, s.handleEmbedBatch)
}

type pingResult struct {
	Health     *service.Health  `json:"health"`
	ToolCounts map[string]int64 `json:"tool_counts"`
}

func (s *MCPServer) handlePing(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	return s.respond("ping", pingResult{Health: s.svc.Ping(ctx), ToolCounts: s.getToolCounts()}, nil)
}

func (s *MCPServer) handleEmbedBatch(ctx context.Context, _ *mcp.CallToolRequest, in EmbedBatchInput) (*mcp.CallToolResult, any, error) {
	vecs, err := s.svc.EmbedBatch(ctx, in.Texts)
	if err != nil {
		return s.respond("embed_batch", nil, err)
	}
	return s.respond("embed_batch", map[string]any{
		"embeddings": vecs,
		"dimension":  s.svc.Cache.Dimension(),
	}, nil)
}
