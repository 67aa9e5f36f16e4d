package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/pkg/ledger"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/service"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var in ledger.CreateProjectInput
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				p, err := svc.Ledger.CreateProject(cmd.Context(), in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (prefix %s)\n", p.Name, p.Prefix)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.Prefix, "prefix", "", "Task id prefix, 2-6 uppercase letters or digits (derived from the name if empty)")
	create.Flags().StringVar(&in.Description, "description", "", "Description")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				projects, err := svc.Ledger.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), projects)
				}
				rows := make([][]string, 0, len(projects))
				for _, p := range projects {
					rows = append(rows, []string{p.Name, p.Prefix, strconv.FormatUint(p.Counter, 10), truncate(p.Description, 50)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Name", "Prefix", "Tasks", "Description"}, rows)
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the task ledger",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskNextCmd(a),
		newTaskCompleteCmd(a),
		newTaskGetCmd(a),
		newTaskListCmd(a),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		in                           ledger.CreateTaskInput
		kind                         string
		exclusive, readonly, depends string
	)
	cmd := &cobra.Command{
		Use:   "create <name...>",
		Short: "Create a task or epic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = strings.Join(args, " ")
			in.Kind = memory.TaskKind(kind)
			in.FilesExclusive = splitList(exclusive)
			in.FilesReadonly = splitList(readonly)
			in.DependsOn = splitList(depends)
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				task, err := svc.Ledger.CreateTask(cmd.Context(), in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), task)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s [%s]\n", task.ID, task.Status)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&in.Project, "project", "p", "", "Project name (required)")
	f.StringVar(&kind, "kind", string(memory.TaskKindTask), "task or epic")
	f.StringVar(&in.Description, "description", "", "Description")
	f.IntVar(&in.Priority, "priority", memory.DefaultPriority, "Priority, 1 (urgent) to 5")
	f.StringVar(&exclusive, "exclusive", "", "Files this task may modify (comma-separated globs)")
	f.StringVar(&readonly, "readonly", "", "Files this task may read (comma-separated globs)")
	f.StringVar(&depends, "depends-on", "", "Task ids that must be done first (comma-separated)")
	f.StringVar(&in.Parent, "parent", "", "Parent epic id")
	f.StringVar(&in.SuggestedModel, "model", "", "Suggested model")
	return cmd
}

func newTaskNextCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Start the next ready task (one at a time)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				task, err := svc.Ledger.GetNextTask(cmd.Context(), project)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]*memory.Task{"task": task})
				}
				if task == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No task is ready.")
					return nil
				}
				printTask(cmd, task)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	return cmd
}

func newTaskCompleteCmd(a *app) *cobra.Command {
	var in ledger.CompleteInput
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ID = args[0]
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				res, err := svc.Ledger.CompleteTask(cmd.Context(), in)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completed %s\n", res.Task.ID)
				if len(res.Unblocked) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Unblocked: %s\n", strings.Join(res.Unblocked, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ResolvedBy, "resolved-by", "", "Memory id of the episode that closed the task")
	cmd.Flags().StringVar(&in.Summary, "summary", "", "Completion summary")
	return cmd
}

func newTaskGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				task, err := svc.Ledger.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), task)
				}
				printTask(cmd, task)
				return nil
			})
		},
	}
}

func printTask(cmd *cobra.Command, t *memory.Task) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s  %s\n", t.ID, t.Name)
	fmt.Fprintf(w, "Status:    %s\n", t.Status)
	fmt.Fprintf(w, "Priority:  %d\n", t.Priority)
	if t.Parent != "" {
		fmt.Fprintf(w, "Parent:    %s\n", t.Parent)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if len(t.FilesExclusive) > 0 {
		fmt.Fprintf(w, "Modify:    %s\n", strings.Join(t.FilesExclusive, ", "))
	}
	if len(t.FilesReadonly) > 0 {
		fmt.Fprintf(w, "Read:      %s\n", strings.Join(t.FilesReadonly, ", "))
	}
	if t.SuggestedModel != "" {
		fmt.Fprintf(w, "Model:     %s\n", t.SuggestedModel)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		f            memory.TaskFilter
		status, kind string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = memory.TaskStatus(status)
			f.Kind = memory.TaskKind(kind)
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				tasks, err := svc.Ledger.ListTasks(cmd.Context(), f)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
					return nil
				}
				rows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, []string{t.ID, string(t.Status), strconv.Itoa(t.Priority), truncate(t.Name, 50), strings.Join(t.DependsOn, ",")})
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Status", "Pri", "Name", "Depends"}, rows)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.Project, "project", "p", "", "Filter by project")
	fl.StringVar(&status, "status", "", "Filter by status: pending, in_progress, blocked, done")
	fl.StringVar(&kind, "kind", "", "Filter by kind: task, epic")
	fl.StringVar(&f.Parent, "parent", "", "Filter by parent epic")
	fl.StringVar(&f.File, "file", "", "Only tasks whose file globs match this path")
	return cmd
}
