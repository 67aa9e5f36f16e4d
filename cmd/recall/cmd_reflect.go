package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/reflection"
	"github.com/jmylchreest/recall/pkg/service"
)

func newReflectCmd(a *app) *cobra.Command {
	var (
		in      reflection.ReflectInput
		outcome string
		lessons string
	)
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Record an attempt and its feedback as an episode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Outcome = memory.Outcome(outcome)
			in.AppliedLessons = splitList(lessons)
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Reflect(cmd.Context(), in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Stored episode %s\n\n", res.Episode.ID)
				fmt.Fprintf(w, "What went wrong: %s\n", res.WhatWentWrong)
				fmt.Fprintf(w, "Root cause:      %s\n", res.RootCause)
				fmt.Fprintf(w, "Try next:        %s\n", res.WhatToTryNext)
				fmt.Fprintf(w, "Lesson:          %s\n", res.GeneralLesson)
				for _, l := range res.Lessons {
					fmt.Fprintf(w, "Lesson %s confidence %.2f -> %.2f\n", l.ID, l.Before, l.After)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Task, "task", "", "Task description")
	f.StringVar(&in.Output, "output", "", "Output that was produced")
	f.StringVar(&in.Feedback, "feedback", "", "Feedback received (required)")
	f.StringVar(&in.FeedbackType, "feedback-type", "", "Feedback type (default test_failure)")
	f.StringVar(&in.Approach, "approach", "", "Approach taken")
	f.StringVar(&in.ModelUsed, "model", "", "Model that produced the output")
	f.StringVar(&in.CodeContext, "code-context", "", "Relevant code")
	f.StringVar(&in.FilePath, "file", "", "File the attempt touched")
	f.StringVar(&outcome, "outcome", "", "success, failure or partial (default failure)")
	f.StringVarP(&in.Project, "project", "p", "", "Project name")
	f.StringVar(&lessons, "lessons", "", "Memory ids of lessons applied in this attempt (comma-separated)")
	return cmd
}

func newImproveCmd(a *app) *cobra.Command {
	var task, output, pattern string
	cmd := &cobra.Command{
		Use:   "improve",
		Short: "Suggest how to retry a failed attempt from similar episodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				g, err := svc.Reflection.ImprovedAttempt(cmd.Context(), task, output, pattern)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), g)
				}
				fmt.Fprintln(cmd.OutOrStdout(), g.Guidance)
				fmt.Fprintf(cmd.OutOrStdout(), "\nConfidence: %.2f\n", g.Confidence)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Task description")
	cmd.Flags().StringVar(&output, "output", "", "Output of the failed attempt")
	cmd.Flags().StringVar(&pattern, "error", "", "Error pattern")
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	var pattern, feedbackType string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Recommend a model from past episodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				rec, err := svc.Reflection.ModelEffectiveness(cmd.Context(), pattern, feedbackType)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recommended: %s (confidence %.2f)\n%s\n\n", rec.RecommendedModel, rec.Confidence, rec.Reasoning)
				if len(rec.Stats) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(rec.Stats))
				for _, s := range rec.Stats {
					rows = append(rows, []string{
						s.Model,
						strconv.Itoa(s.Total),
						strconv.Itoa(s.Successes),
						strconv.Itoa(s.Failures),
						strconv.Itoa(s.Partials),
						strconv.FormatFloat(s.SuccessRate, 'f', 2, 64),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Model", "Episodes", "Success", "Failure", "Partial", "Rate"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "Only episodes whose content contains this text")
	cmd.Flags().StringVar(&feedbackType, "feedback-type", "", "Only episodes with this feedback type")
	return cmd
}
