package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/voicetodo/pkg/api/client"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task", "t"},
		Short:   "List and edit tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(a),
		newTasksAddCmd(a),
		newTasksDoneCmd(a),
		newTasksEditCmd(a),
		newTasksRemoveCmd(a),
	)
	return cmd
}

func newTasksListCmd(a *app) *cobra.Command {
	var input apiclient.ListTasksInput
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			tasks, err := client.ListTasks(ctx, input)
			if err != nil {
				return err
			}
			if a.jsonFlag {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			return renderTasks(cmd.OutOrStdout(), tasks, a.location())
		},
	}
	cmd.Flags().StringVar(&input.Status, "status", "", "Filter by status (all|open|done)")
	cmd.Flags().IntVar(&input.Limit, "limit", 0, "Maximum number of tasks to display")
	cmd.Flags().BoolVar(&input.Overdue, "overdue", false, "Only open tasks past their due date")
	return cmd
}

func newTasksAddCmd(a *app) *cobra.Command {
	var input apiclient.CreateTaskInput
	cmd := &cobra.Command{
		Use:   "add <title...>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input.Title = strings.Join(args, " ")
			input.Timezone = a.timezone()
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			task, err := client.CreateTask(ctx, input)
			if err != nil {
				return err
			}
			return a.printTask(cmd, task)
		},
	}
	cmd.Flags().StringVar(&input.Due, "due", "", "Due date such as tomorrow, friday or 2025-03-20")
	cmd.Flags().StringVarP(&input.Priority, "priority", "p", "", "Priority (low|medium|high)")
	cmd.Flags().StringVar(&input.Description, "note", "", "Optional description")
	return cmd
}

func newTasksDoneCmd(a *app) *cobra.Command {
	var reopen bool
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			var task apiclient.Task
			if reopen {
				open := false
				task, err = client.UpdateTask(ctx, args[0], apiclient.UpdateTaskInput{Completed: &open})
			} else {
				task, err = client.CompleteTask(ctx, args[0])
			}
			if err != nil {
				return notFoundHint(err, args[0])
			}
			return a.printTask(cmd, task)
		},
	}
	cmd.Flags().BoolVar(&reopen, "undo", false, "Reopen the task instead")
	return cmd
}

func newTasksEditCmd(a *app) *cobra.Command {
	var (
		title, note, priority, due string
		clearDue                   bool
	)
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Change a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := apiclient.UpdateTaskInput{ClearDue: clearDue, Timezone: a.timezone()}
			flags := cmd.Flags()
			if flags.Changed("title") {
				input.Title = &title
			}
			if flags.Changed("note") {
				input.Description = &note
			}
			if flags.Changed("priority") {
				input.Priority = &priority
			}
			if flags.Changed("due") {
				input.Due = &due
			}
			if input.Title == nil && input.Description == nil && input.Priority == nil && input.Due == nil && !clearDue {
				return errors.New("nothing to change; pass --title, --note, --priority, --due or --clear-due")
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			task, err := client.UpdateTask(ctx, args[0], input)
			if err != nil {
				return notFoundHint(err, args[0])
			}
			return a.printTask(cmd, task)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&note, "note", "", "New description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "New priority")
	cmd.Flags().StringVar(&due, "due", "", "New due date")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "Remove the due date")
	return cmd
}

func newTasksRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <task-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			if err := client.DeleteTask(ctx, args[0]); err != nil {
				return notFoundHint(err, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) printTask(cmd *cobra.Command, task apiclient.Task) error {
	if a.jsonFlag {
		return writeJSON(cmd.OutOrStdout(), task)
	}
	renderTask(cmd.OutOrStdout(), task, a.location())
	return nil
}

func (a *app) location() *time.Location {
	if loc, err := time.LoadLocation(a.timezone()); err == nil {
		return loc
	}
	return time.Local
}

func notFoundHint(err error, id string) error {
	if apiclient.IsNotFound(err) {
		return fmt.Errorf("task %s not found; run 'todo tasks list' for ids", id)
	}
	return err
}
