// Package reflection records structured episodes of task attempts and mines
// past episodes for guidance and model recommendations.
package reflection

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/search"
)

// Defaults.
const (
	DefaultMinSamples    = 3
	DefaultFallbackModel = "sonnet"
	DefaultFeedbackType  = "test_failure"
	LessonStep           = 0.1
	MaxSimilarEpisodes   = 5
	unknownModel         = "unknown"
)

// Options configures an Analyzer.
type Options struct {
	MinSamples    int
	FallbackModel string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Analyzer writes episodes through the engine and reads them back through
// search and listing.
type Analyzer struct {
	engine   *engine.Engine
	searcher *search.Searcher
	opts     Options
	log      *slog.Logger
}

// New returns an Analyzer.
func New(e *engine.Engine, s *search.Searcher, opts Options) *Analyzer {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.FallbackModel == "" {
		opts.FallbackModel = DefaultFallbackModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{
		engine:   e,
		searcher: s,
		opts:     opts,
		log:      opts.Logger.With("component", "reflection"),
	}
}

// =============================================================================
// Reflect
// =============================================================================

// ReflectInput describes one attempt at a task.
type ReflectInput struct {
	Output         string         `json:"output"`
	Feedback       string         `json:"feedback"`
	FeedbackType   string         `json:"feedback_type,omitempty"`
	Task           string         `json:"task,omitempty"`
	Approach       string         `json:"approach,omitempty"`
	ModelUsed      string         `json:"model_used,omitempty"`
	CodeContext    string         `json:"code_context,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	Outcome        memory.Outcome `json:"outcome,omitempty"`
	Project        string         `json:"project,omitempty"`
	AppliedLessons []string       `json:"applied_lessons,omitempty"` // Memory ids of lessons used in this attempt
}

// LessonAdjustment records a confidence change on an applied lesson.
type LessonAdjustment struct {
	ID     string  `json:"id"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// ReflectResult is the stored episode and its breakdown.
type ReflectResult struct {
	Episode       *memory.Memory     `json:"episode"`
	WhatWentWrong string             `json:"what_went_wrong"`
	RootCause     string             `json:"root_cause"`
	WhatToTryNext string             `json:"what_to_try_next"`
	GeneralLesson string             `json:"general_lesson"`
	Lessons       []LessonAdjustment `json:"lessons"`
}

// Reflect stores an episode for the attempt described by in and nudges the
// confidence of every applied lesson by the outcome.
func (a *Analyzer) Reflect(ctx context.Context, in ReflectInput) (res *ReflectResult, err error) {
	const op = "reflect"
	defer a.observe(op, time.Now(), &err)

	if strings.TrimSpace(in.Feedback) == "" {
		return nil, memory.Validation(op, "feedback", "feedback is required")
	}
	if in.FeedbackType == "" {
		in.FeedbackType = DefaultFeedbackType
	}
	if in.Outcome == "" {
		in.Outcome = memory.OutcomeFailure
	}
	switch in.Outcome {
	case memory.OutcomeSuccess, memory.OutcomeFailure, memory.OutcomePartial:
	default:
		return nil, memory.Validation(op, "outcome", "outcome must be success, failure or partial")
	}
	slices.Sort(in.AppliedLessons)
	in.AppliedLessons = slices.Compact(in.AppliedLessons)

	lessons := make([]*memory.Memory, 0, len(in.AppliedLessons))
	for _, id := range in.AppliedLessons {
		m, err := a.engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, m)
	}

	meta := breakdown(in)
	raw, err := memory.EncodeMetadata(meta)
	if err != nil {
		return nil, memory.StoreFailure(op, "", err)
	}

	title := "Episode: " + in.FeedbackType
	if in.Task != "" {
		title = "Episode: " + truncate(in.Task, 80)
	}
	tags := []string{"feedback:" + in.FeedbackType, "outcome:" + string(in.Outcome)}
	if in.ModelUsed != "" {
		tags = append(tags, "model:"+in.ModelUsed)
	}

	created, err := a.engine.Create(ctx, engine.CreateInput{
		Kind:     memory.KindEpisode,
		Content:  episodeContent(in),
		Title:    title,
		Metadata: raw,
		Tags:     tags,
		Project:  in.Project,
	})
	if err != nil {
		return nil, err
	}

	res = &ReflectResult{
		Episode:       created.Memory,
		WhatWentWrong: meta.WhatWentWrong,
		RootCause:     meta.RootCause,
		WhatToTryNext: meta.WhatToTryNext,
		GeneralLesson: meta.GeneralLesson,
		Lessons:       []LessonAdjustment{},
	}

	delta := lessonDelta(in.Outcome)
	for _, lesson := range lessons {
		adj := LessonAdjustment{ID: lesson.ID, Before: lesson.Confidence, After: lesson.Confidence}
		if delta != 0 {
			next := min(max(lesson.Confidence+delta, 0), 1)
			updated, err := a.engine.Update(ctx, lesson.ID, engine.UpdateInput{Confidence: &next})
			if err != nil {
				a.log.Warn("lesson confidence not updated", "id", lesson.ID, "error", err)
			} else {
				adj.After = updated.Memory.Confidence
			}
		}
		res.Lessons = append(res.Lessons, adj)
	}

	a.log.Info("episode recorded", "id", created.Memory.ID, "outcome", in.Outcome, "lessons", len(res.Lessons))
	return res, nil
}

func lessonDelta(o memory.Outcome) float64 {
	switch o {
	case memory.OutcomeSuccess:
		return LessonStep
	case memory.OutcomeFailure:
		return -LessonStep
	}
	return 0
}

func breakdown(in ReflectInput) *memory.EpisodeMeta {
	meta := &memory.EpisodeMeta{
		Task:           in.Task,
		Approach:       in.Approach,
		Outcome:        in.Outcome,
		Feedback:       in.Feedback,
		FeedbackType:   in.FeedbackType,
		ModelUsed:      in.ModelUsed,
		CodeContext:    truncate(in.CodeContext, 500),
		FilePath:       in.FilePath,
		AppliedLessons: in.AppliedLessons,
		RootCause:      fmt.Sprintf("Approach: %s. Feedback type: %s", in.Approach, in.FeedbackType),
	}
	if in.Outcome == memory.OutcomeSuccess {
		meta.WhatWentWrong = "Nothing: " + truncate(in.Feedback, 200)
		meta.WhatToTryNext = "Reuse this approach for similar tasks"
		meta.GeneralLesson = fmt.Sprintf("For %s, the approach %q worked", in.FeedbackType, in.Approach)
		return meta
	}
	meta.WhatWentWrong = "Output failed: " + truncate(in.Feedback, 200)
	meta.WhatToTryNext = fmt.Sprintf("Review the %s and adjust approach", in.FeedbackType)
	meta.GeneralLesson = fmt.Sprintf("When encountering %s, verify assumptions first", in.FeedbackType)
	return meta
}

func episodeContent(in ReflectInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nApproach: %s\nFeedback: %s\nOutput: %s", in.Task, in.Approach, in.Feedback, truncate(in.Output, 500))
	if in.CodeContext != "" {
		fmt.Fprintf(&sb, "\nContext: %s", truncate(in.CodeContext, 500))
	}
	return sb.String()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// =============================================================================
// Model effectiveness
// =============================================================================

// ModelStats aggregates the episodes produced by one model.
type ModelStats struct {
	Model          string  `json:"model"`
	Total          int     `json:"total"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	Partials       int     `json:"partials"`
	SuccessRate    float64 `json:"success_rate"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// Recommendation is the outcome of ModelEffectiveness.
type Recommendation struct {
	RecommendedModel string       `json:"recommended_model"`
	Confidence       float64      `json:"confidence"`
	Reasoning        string       `json:"reasoning"`
	Episodes         int          `json:"episodes"`
	Stats            []ModelStats `json:"stats"`
}

// ModelEffectiveness recommends a model from past episodes whose content
// contains taskPattern (case-insensitive). Only models with at least
// MinSamples episodes qualify; the best success rate wins, then the higher
// mean confidence, then more samples, then name.
func (a *Analyzer) ModelEffectiveness(ctx context.Context, taskPattern, feedbackType string) (rec *Recommendation, err error) {
	const op = "model_effectiveness"
	defer a.observe(op, time.Now(), &err)

	episodes, err := a.engine.List(ctx, memory.ListOptions{Kind: memory.KindEpisode})
	if err != nil {
		return nil, err
	}

	pattern := strings.ToLower(strings.TrimSpace(taskPattern))
	groups := map[string]*ModelStats{}
	confSum := map[string]float64{}
	total := 0
	for _, ep := range episodes {
		if pattern != "" && !strings.Contains(strings.ToLower(ep.Content), pattern) {
			continue
		}
		meta, err := ep.Episode()
		if err != nil {
			a.log.Warn("skipping episode with unreadable metadata", "id", ep.ID, "error", err)
			continue
		}
		if feedbackType != "" && meta.FeedbackType != feedbackType {
			continue
		}
		model := meta.ModelUsed
		if model == "" {
			model = unknownModel
		}
		st := groups[model]
		if st == nil {
			st = &ModelStats{Model: model}
			groups[model] = st
		}
		st.Total++
		switch meta.Outcome {
		case memory.OutcomeSuccess:
			st.Successes++
		case memory.OutcomePartial:
			st.Partials++
		default:
			st.Failures++
		}
		confSum[model] += ep.Confidence
		total++
	}

	rec = &Recommendation{Episodes: total, Stats: make([]ModelStats, 0, len(groups))}
	for model, st := range groups {
		st.SuccessRate = float64(st.Successes) / float64(st.Total)
		st.MeanConfidence = confSum[model] / float64(st.Total)
		rec.Stats = append(rec.Stats, *st)
	}
	slices.SortFunc(rec.Stats, compareModels)

	for _, st := range rec.Stats {
		if st.Model == unknownModel || st.Total < a.opts.MinSamples {
			continue
		}
		rec.RecommendedModel = st.Model
		rec.Confidence = st.SuccessRate
		rec.Reasoning = fmt.Sprintf("Based on %d episodes. %s has a %.0f%% success rate over %d samples.",
			total, st.Model, st.SuccessRate*100, st.Total)
		return rec, nil
	}

	rec.RecommendedModel = a.opts.FallbackModel
	rec.Confidence = 0
	if total == 0 {
		rec.Reasoning = fmt.Sprintf("No historical data available. Defaulting to %s.", a.opts.FallbackModel)
	} else {
		rec.Reasoning = fmt.Sprintf("No model has at least %d matching episodes (%d found). Defaulting to %s.",
			a.opts.MinSamples, total, a.opts.FallbackModel)
	}
	return rec, nil
}

func compareModels(a, b ModelStats) int {
	if c := cmp.Compare(b.SuccessRate, a.SuccessRate); c != 0 {
		return c
	}
	if c := cmp.Compare(b.MeanConfidence, a.MeanConfidence); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Total, a.Total); c != 0 {
		return c
	}
	return cmp.Compare(a.Model, b.Model)
}

// =============================================================================
// Improved attempt
// =============================================================================

// EpisodeLesson is what a similar past episode teaches.
type EpisodeLesson struct {
	EpisodeID  string         `json:"episode_id"`
	Title      string         `json:"title,omitempty"`
	Outcome    memory.Outcome `json:"outcome,omitempty"`
	Model      string         `json:"model,omitempty"`
	Approach   string         `json:"approach,omitempty"`
	Lesson     string         `json:"lesson,omitempty"`
	WhatToTry  string         `json:"what_to_try,omitempty"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
}

// Guidance is the outcome of ImprovedAttempt.
type Guidance struct {
	Guidance          string          `json:"guidance"`
	Worked            []EpisodeLesson `json:"worked"`
	Failed            []EpisodeLesson `json:"failed"`
	Lessons           []EpisodeLesson `json:"lessons"` // Ranked by episode confidence
	Confidence        float64         `json:"confidence"`
	VectorUnavailable bool            `json:"vector_unavailable,omitempty"`
}

// ImprovedAttempt finds episodes similar to a failed attempt and summarizes
// what worked and what failed. Confidence is the mean episode confidence
// weighted by fused search score, or 0 when nothing is found.
func (a *Analyzer) ImprovedAttempt(ctx context.Context, task, originalOutput, errorPattern string) (g *Guidance, err error) {
	const op = "improved_attempt"
	defer a.observe(op, time.Now(), &err)

	query := strings.Join(strings.Fields(strings.Join([]string{task, errorPattern, truncate(originalOutput, 200)}, " ")), " ")
	if query == "" {
		return nil, memory.Validation(op, "task", "task, error_pattern or original_output is required")
	}

	resp, err := a.searcher.Search(ctx, search.Query{
		Query:      query,
		Kind:       memory.KindEpisode,
		MaxResults: MaxSimilarEpisodes,
	})
	if err != nil {
		return nil, err
	}

	g = &Guidance{
		Worked:            []EpisodeLesson{},
		Failed:            []EpisodeLesson{},
		Lessons:           []EpisodeLesson{},
		VectorUnavailable: resp.VectorUnavailable,
	}
	var weighted, weights float64
	for _, entry := range resp.Index {
		ep, err := a.engine.Get(ctx, entry.ID)
		if err != nil {
			continue
		}
		meta, err := ep.Episode()
		if err != nil {
			continue
		}
		l := EpisodeLesson{
			EpisodeID:  ep.ID,
			Title:      ep.Title,
			Outcome:    meta.Outcome,
			Model:      meta.ModelUsed,
			Approach:   meta.Approach,
			Lesson:     meta.GeneralLesson,
			WhatToTry:  meta.WhatToTryNext,
			Score:      entry.Score,
			Confidence: ep.Confidence,
		}
		if meta.Outcome == memory.OutcomeSuccess {
			g.Worked = append(g.Worked, l)
		} else {
			g.Failed = append(g.Failed, l)
		}
		g.Lessons = append(g.Lessons, l)
		weighted += entry.Score * ep.Confidence
		weights += entry.Score
	}

	if len(g.Lessons) == 0 {
		g.Guidance = "No similar past episodes found. Try a fresh approach."
		return g, nil
	}
	if weights > 0 {
		g.Confidence = weighted / weights
	}
	slices.SortStableFunc(g.Lessons, func(x, y EpisodeLesson) int {
		return cmp.Compare(y.Confidence, x.Confidence)
	})
	g.Guidance = guidanceText(g)
	return g, nil
}

func guidanceText(g *Guidance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d similar episodes (%d worked, %d failed).",
		len(g.Lessons), len(g.Worked), len(g.Failed))
	if len(g.Worked) > 0 {
		var approaches []string
		for _, l := range g.Worked {
			if l.Approach != "" {
				approaches = append(approaches, l.Approach)
			}
		}
		if len(approaches) > 0 {
			fmt.Fprintf(&sb, " What worked: %s.", strings.Join(approaches, "; "))
		}
	}
	if len(g.Failed) > 0 {
		var avoid []string
		for _, l := range g.Failed {
			if l.Approach != "" {
				avoid = append(avoid, l.Approach)
			}
		}
		if len(avoid) > 0 {
			fmt.Fprintf(&sb, " Avoid: %s.", strings.Join(avoid, "; "))
		}
	}
	var lessons []string
	for _, l := range g.Lessons {
		if l.Lesson != "" && len(lessons) < 3 {
			lessons = append(lessons, l.Lesson)
		}
	}
	if len(lessons) > 0 {
		fmt.Fprintf(&sb, " Key lessons: %s", strings.Join(lessons, "; "))
	}
	return sb.String()
}

func (a *Analyzer) observe(op string, started time.Time, errp *error) {
	code := "ok"
	if *errp != nil {
		code = string(memory.CodeOf(*errp))
	}
	a.opts.Metrics.Observe(op, code, started)
}
