package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/scheduler"
	"github.com/andylabs/andbot/internal/store"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd(), tasksAddCmd(), tasksSetStatusCmd("pause", store.TaskPaused),
		tasksSetStatusCmd("resume", store.TaskActive), tasksDeleteCmd(), tasksRunsCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.GetAllTasks()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGROUP\tKIND\tVALUE\tSTATUS\tNEXT RUN")
			for _, t := range tasks {
				next := "-"
				if t.NextRun != nil {
					next = *t.NextRun
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.GroupFolder, t.ScheduleKind, t.ScheduleValue, t.Status, next)
			}
			return w.Flush()
		},
	}
}

func tasksAddCmd() *cobra.Command {
	var (
		kind        string
		value       string
		contextMode string
	)
	cmd := &cobra.Command{
		Use:   "add <folder> <prompt>",
		Short: "Schedule a task for a registered conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			folder, prompt := args[0], args[1]

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			group, ok, err := st.GetGroupByFolder(folder)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: no registered group with folder %q", errConfig, folder)
			}

			task := store.ScheduledTask{
				ID:            uuid.NewString(),
				GroupFolder:   folder,
				ChatJID:       group.JID,
				Prompt:        prompt,
				ScheduleKind:  kind,
				ScheduleValue: value,
				ContextMode:   contextMode,
				Status:        store.TaskActive,
			}
			next, err := scheduler.NextRun(task, time.Now().In(cfg.Timezone))
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			if task.ScheduleKind == store.ScheduleOnce {
				// A one-shot fires immediately.
				now := store.Now()
				next = &now
			}
			task.NextRun = next

			if err := st.CreateTask(task); err != nil {
				return err
			}
			fmt.Printf("task %s scheduled\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", store.ScheduleOnce, "schedule kind: cron, interval, once")
	cmd.Flags().StringVar(&value, "value", "", "cron expression or interval in milliseconds")
	cmd.Flags().StringVar(&contextMode, "context", store.ContextIsolated, "context mode: isolated or group")
	return cmd
}

func tasksSetStatusCmd(verb, status string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: verb + " a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.UpdateTaskStatus(args[0], status); err != nil {
				return err
			}
			fmt.Printf("task %s is now %s\n", args[0], status)
			return nil
		},
	}
}

func tasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("task %s deleted\n", args[0])
			return nil
		},
	}
}

func tasksRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.GetTaskRuns(args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", r.RunAt, r.Status, r.DurationMS, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}
