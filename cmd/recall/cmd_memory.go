package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/search"
	"github.com/jmylchreest/recall/pkg/service"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memory",
		Aliases: []string{"mem"},
		Short:   "Store, read, update and delete memories",
	}
	cmd.AddCommand(
		newMemoryAddCmd(a),
		newMemoryGetCmd(a),
		newMemoryUpdateCmd(a),
		newMemoryDeleteCmd(a),
		newMemoryListCmd(a),
		newMemoryHistoryCmd(a),
		newMemoryLinkCmd(a),
		newMemoryUnlinkCmd(a),
	)
	return cmd
}

func newMemoryAddCmd(a *app) *cobra.Command {
	var (
		in         engine.CreateInput
		kind       string
		tags       string
		metadata   string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "add [content...]",
		Short: "Store a memory (use - to read content from stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if in.Metadata, err = parseMetadata(metadata); err != nil {
				return err
			}
			in.Kind = memory.Kind(kind)
			in.Content = content
			in.Tags = splitList(tags)
			if cmd.Flags().Changed("confidence") {
				in.Confidence = &confidence
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Store(cmd.Context(), in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s %s", res.Memory.Kind, res.Memory.ID)
				if len(res.AutoLinks) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), " (linked to %d)", len(res.AutoLinks))
				}
				if res.Memory.EmbeddingPending {
					fmt.Fprint(cmd.OutOrStdout(), " [embedding pending]")
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", string(memory.KindKnowledge), "Kind: knowledge, episode, decision, pattern, code_chunk")
	f.StringVarP(&in.Title, "title", "t", "", "Title")
	f.StringVar(&tags, "tags", "", "Comma-separated tags")
	f.StringVarP(&in.Project, "project", "p", "", "Project name")
	f.StringVar(&metadata, "metadata", "", "Kind-specific metadata as a JSON object")
	f.Float64Var(&confidence, "confidence", memory.DefaultConfidence, "Confidence in [0, 1]")
	f.StringVar(&in.SourceTask, "source-task", "", "Task id that produced this memory")
	return cmd
}

func newMemoryGetCmd(a *app) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read a memory with its related records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Read(cmd.Context(), args[0], depth)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printMemory(cmd, res.Memory)
				if len(res.Related) > 0 {
					rows := make([][]string, 0, len(res.Related))
					for _, r := range res.Related {
						strength := ""
						if r.Edge != nil {
							strength = strconv.FormatFloat(r.Edge.Strength, 'f', 2, 64)
						}
						rows = append(rows, []string{strconv.Itoa(r.Hop), r.ID, string(r.Kind), truncate(r.Title, 40), strength})
					}
					fmt.Fprintln(cmd.OutOrStdout())
					return renderTable(cmd.OutOrStdout(), []string{"Hop", "ID", "Kind", "Title", "Strength"}, rows)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "Graph depth (1-3)")
	return cmd
}

func printMemory(cmd *cobra.Command, m *memory.Memory) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ID:         %s\n", m.ID)
	fmt.Fprintf(w, "Kind:       %s\n", m.Kind)
	if m.Title != "" {
		fmt.Fprintf(w, "Title:      %s\n", m.Title)
	}
	if m.Project != "" {
		fmt.Fprintf(w, "Project:    %s\n", m.Project)
	}
	if len(m.Tags) > 0 {
		fmt.Fprintf(w, "Tags:       %s\n", strings.Join(m.Tags, ", "))
	}
	fmt.Fprintf(w, "Confidence: %.2f\n", m.Confidence)
	fmt.Fprintf(w, "Accessed:   %d\n", m.AccessCount)
	fmt.Fprintf(w, "Updated:    %s\n", m.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(m.Metadata) > 0 {
		fmt.Fprintf(w, "Metadata:   %s\n", m.Metadata)
	}
	fmt.Fprintf(w, "\n%s\n", m.Content)
}

func newMemoryUpdateCmd(a *app) *cobra.Command {
	var (
		content, title, tags, metadata string
		confidence                     float64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.UpdateInput
			f := cmd.Flags()
			if f.Changed("content") {
				in.Content = &content
			}
			if f.Changed("title") {
				in.Title = &title
			}
			if f.Changed("tags") {
				t := splitList(tags)
				in.Tags = &t
			}
			if f.Changed("confidence") {
				in.Confidence = &confidence
			}
			var err error
			if in.Metadata, err = parseMetadata(metadata); err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Update(cmd.Context(), args[0], in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", res.Memory.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&content, "content", "", "New content")
	f.StringVar(&title, "title", "", "New title")
	f.StringVar(&tags, "tags", "", "Replace tags (comma-separated)")
	f.StringVar(&metadata, "metadata", "", "Metadata merge patch as a JSON object")
	f.Float64Var(&confidence, "confidence", 0, "New confidence in [0, 1]")
	return cmd
}

func newMemoryDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Soft-delete a memory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", res.ID)
				return nil
			})
		},
	}
}

func newMemoryListCmd(a *app) *cobra.Command {
	var (
		opts memory.ListOptions
		kind string
		tags string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List memories",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Kind = memory.Kind(kind)
			opts.Tags = splitList(tags)
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				ms, err := svc.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), ms)
				}
				if len(ms) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No memories found.")
					return nil
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Kind", "Project", "Title", "Confidence", "Updated"}, memoryRows(ms))
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", "", "Filter by kind")
	f.StringVarP(&opts.Project, "project", "p", "", "Filter by project")
	f.StringVar(&tags, "tags", "", "Require all of these tags (comma-separated)")
	f.BoolVar(&opts.IncludeDeleted, "all", false, "Include deleted memories")
	f.IntVarP(&opts.Limit, "limit", "n", 50, "Maximum results (0 for all)")
	return cmd
}

func memoryRows(ms []*memory.Memory) [][]string {
	rows := make([][]string, 0, len(ms))
	for _, m := range ms {
		title := m.Title
		if title == "" {
			title = m.Content
		}
		if m.Deleted() {
			title = "(deleted) " + title
		}
		rows = append(rows, []string{
			m.ID,
			string(m.Kind),
			m.Project,
			truncate(title, 50),
			strconv.FormatFloat(m.Confidence, 'f', 2, 64),
			m.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	return rows
}

func newMemoryHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the change log of a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				changes, err := svc.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), changes)
				}
				rows := make([][]string, 0, len(changes))
				for _, c := range changes {
					content := ""
					if c.Snapshot != nil {
						content = c.Snapshot.Content
					}
					rows = append(rows, []string{c.At.Format("2006-01-02 15:04:05"), string(c.Op), truncate(content, 60)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"At", "Op", "Content"}, rows)
			})
		},
	}
}

func newMemoryLinkCmd(a *app) *cobra.Command {
	var (
		reason   string
		strength float64
	)
	cmd := &cobra.Command{
		Use:   "link <from-id> <to-id>",
		Short: "Link two memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s *float64
			if cmd.Flags().Changed("strength") {
				s = &strength
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				edge, err := svc.Link(cmd.Context(), args[0], args[1], reason, s)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), edge)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Linked %s -> %s (%s, %.2f)\n", edge.From, edge.To, edge.Reason, edge.Strength)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the memories relate (default: manual)")
	cmd.Flags().Float64Var(&strength, "strength", 0.8, "Edge strength in [0, 1]")
	return cmd
}

func newMemoryUnlinkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <from-id> <to-id>",
		Short: "Remove the link between two memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				removed, err := svc.Linker.Unlink(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintln(cmd.OutOrStdout(), "No such link.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s -> %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

// =============================================================================
// Search and stats
// =============================================================================

func newSearchCmd(a *app) *cobra.Command {
	var (
		q    search.Query
		kind string
		tags string
	)
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Hybrid keyword and semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Query = strings.Join(args, " ")
			q.Kind = memory.Kind(kind)
			q.Tags = splitList(tags)
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Search(cmd.Context(), q)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if len(res.Index) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No results.")
					return nil
				}
				rows := make([][]string, 0, len(res.Index))
				for _, e := range res.Index {
					label := e.Title
					if label == "" {
						label = e.Snippet
					}
					rows = append(rows, []string{e.ID, string(e.Kind), truncate(label, 60), strconv.FormatFloat(e.Score, 'f', 4, 64)})
				}
				if err := renderTable(cmd.OutOrStdout(), []string{"ID", "Kind", "Title", "Score"}, rows); err != nil {
					return err
				}
				if res.VectorUnavailable {
					fmt.Fprintln(cmd.OutOrStdout(), "(semantic search unavailable, keyword results only)")
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&kind, "kind", "k", "", "Filter by kind")
	f.StringVarP(&q.Project, "project", "p", "", "Filter by project")
	f.StringVar(&tags, "tags", "", "Require all of these tags (comma-separated)")
	f.IntVarP(&q.MaxResults, "max-results", "n", 0, "Maximum results (default from config)")
	f.IntVar(&q.MaxTokens, "max-tokens", 0, "Token budget for full details (default from config)")
	f.BoolVar(&q.IncludeGraph, "graph", false, "Attach one-hop related records to details")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var project, kind string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				st, err := svc.Stats(cmd.Context(), project, memory.Kind(kind))
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), st)
				}
				rows := [][]string{
					{"total", strconv.Itoa(st.Total)},
					{"edges", strconv.Itoa(st.TotalEdges)},
					{"embedding pending", strconv.Itoa(st.EmbeddingPending)},
					{"average confidence", strconv.FormatFloat(st.AverageConfidence, 'f', 2, 64)},
				}
				for _, k := range slices.Sorted(maps.Keys(st.ByKind)) {
					rows = append(rows, []string{"kind " + string(k), strconv.Itoa(st.ByKind[k])})
				}
				for _, p := range slices.Sorted(maps.Keys(st.ByProject)) {
					rows = append(rows, []string{"project " + p, strconv.Itoa(st.ByProject[p])})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Metric", "Value"}, rows)
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Restrict to a project")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Restrict to a kind")
	return cmd
}
