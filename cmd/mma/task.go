package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/dates"
	"github.com/polravi/mapmyactivities/internal/replica"
	"github.com/polravi/mapmyactivities/internal/schema"
	"github.com/polravi/mapmyactivities/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "device",
	Short:   "Manage tasks on this device",
	Long: `Manage tasks in the local replica. Changes are journaled and sent to the
server on the next 'mma sync' (or immediately when 'mma watch' is running).

Task ids can be abbreviated to any unique prefix.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Example: `  mma task add "File taxes" --quadrant 1 --due "next friday"
  mma task add "Water plants" --repeat weekly --days 1,4
  mma task add "Reply to Sam" --suggest`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		flags := cmd.Flags()
		task := &schema.Task{Title: strings.Join(args, " ")}
		task.Description, _ = flags.GetString("desc")
		task.Tags, _ = flags.GetStringSlice("tag")
		priority, _ := flags.GetString("priority")
		task.Priority = schema.Priority(priority)

		if due, _ := flags.GetString("due"); due != "" {
			t, err := dates.Parse(due, time.Now())
			if err != nil {
				return fmt.Errorf("invalid --due: %w", err)
			}
			task.DueDate = &t
		}
		if q, _ := flags.GetInt("quadrant"); q != 0 {
			task.EisenhowerQuadrant = &q
		}
		if task.Recurrence, err = recurrenceFlags(cmd); err != nil {
			return err
		}

		if suggest, _ := flags.GetBool("suggest"); suggest {
			if d.client == nil {
				return fmt.Errorf("--suggest needs client.token to be set")
			}
			s, err := d.client.SuggestQuadrant(cmd.Context(), &ai.SuggestRequest{
				Title:       task.Title,
				Description: task.Description,
				Tags:        task.Tags,
				DueDate:     task.DueDate,
				Priority:    task.Priority,
			})
			if err != nil {
				return fmt.Errorf("quadrant suggestion failed: %w", err)
			}
			task.AISuggestedQuadrant = &s.Quadrant
			task.AIConfidence = &s.Confidence
			info := ui.QuadrantInfo(s.Quadrant)
			out.Muted("Suggested Q%d %s (%.0f%%): %s", s.Quadrant, info.Action, s.Confidence*100, s.Reasoning)
			if task.EisenhowerQuadrant == nil && s.HighConfidence {
				task.EisenhowerQuadrant = &s.Quadrant
			}
		}

		created, err := d.store.CreateTask(task)
		if err != nil {
			return err
		}
		out.Success("Created task")
		out.Println(out.TaskLine(created))
		return nil
	},
}

func recurrenceFlags(cmd *cobra.Command) (*schema.RecurrenceRule, error) {
	repeat, _ := cmd.Flags().GetString("repeat")
	if repeat == "" {
		return nil, nil
	}
	rule := &schema.RecurrenceRule{Type: schema.Timeframe(repeat), Interval: 1}
	days, _ := cmd.Flags().GetIntSlice("days")
	rule.DaysOfWeek = days
	if until, _ := cmd.Flags().GetString("until"); until != "" {
		t, err := dates.Parse(until, time.Now())
		if err != nil {
			return nil, fmt.Errorf("invalid --until: %w", err)
		}
		rule.EndDate = &t
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recurrence: %w", err)
	}
	return rule, nil
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		var filter replica.TaskFilter
		if cmd.Flags().Changed("quadrant") {
			q, _ := cmd.Flags().GetInt("quadrant")
			filter.Quadrant = &q
		}
		status, _ := cmd.Flags().GetString("status")
		filter.Status = schema.Status(status)
		filter.IncludeDeleted, _ = cmd.Flags().GetBool("all")

		tasks, err := d.store.ListTasks(filter)
		if err != nil {
			return err
		}

		if matrix, _ := cmd.Flags().GetBool("matrix"); matrix {
			out.Println(out.Matrix(tasks, terminalWidth()))
			return nil
		}
		if len(tasks) == 0 {
			out.Muted("No tasks")
			return nil
		}
		for _, t := range tasks {
			out.Println(out.TaskLine(t))
		}
		return nil
	},
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id> <quadrant>",
	Short: "Move a task to a quadrant",
	Long: `Move a task into a quadrant. Without --before or --after it is appended
at the bottom of the quadrant. With only one of them the task lands right next
to that task; with both it lands between them.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		task, err := d.resolveTask(args[0])
		if err != nil {
			return err
		}
		quadrant, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid quadrant %q", args[1])
		}
		var beforeID, afterID string
		if ref, _ := cmd.Flags().GetString("after"); ref != "" {
			t, err := d.resolveTask(ref)
			if err != nil {
				return err
			}
			beforeID = t.ID
		}
		if ref, _ := cmd.Flags().GetString("before"); ref != "" {
			t, err := d.resolveTask(ref)
			if err != nil {
				return err
			}
			afterID = t.ID
		}

		moved, err := d.store.MoveTask(task.ID, quadrant, beforeID, afterID)
		if err != nil {
			return err
		}
		out.Success("Moved to Q%d %s", quadrant, ui.QuadrantInfo(quadrant).Action)
		out.Println(out.TaskLine(moved))
		return nil
	},
}

// statusCommand builds a command that sets a task's status.
func statusCommand(use, short string, status schema.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(false)
			if err != nil {
				return err
			}
			defer d.Close()

			patch := schema.Payload{}
			if err := patch.Set("status", status); err != nil {
				return err
			}
			for _, ref := range args {
				task, err := d.resolveTask(ref)
				if err != nil {
					return err
				}
				updated, err := d.store.UpdateTask(task.ID, patch)
				if err != nil {
					return err
				}
				out.Println(out.TaskLine(updated))
			}
			return nil
		},
	}
}

var taskRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a discarded task on the server",
	Long: `Restore a discarded task back to todo. A discard is final during normal
sync, so restoring goes through the server and is then pulled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(true)
		if err != nil {
			return err
		}
		defer d.Close()

		id := args[0]
		if t, err := d.resolveTask(id); err == nil {
			id = t.ID
		}
		// Push the discard first if it has not reached the server yet.
		if _, err := d.coord.Sync(cmd.Context()); err != nil {
			return err
		}
		task, err := d.client.RestoreTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		if _, err := d.coord.Sync(cmd.Context()); err != nil {
			return err
		}
		out.Success("Restored task")
		out.Println(out.TaskLine(task))
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		for _, ref := range args {
			task, err := d.resolveTask(ref)
			if err != nil {
				return err
			}
			if err := d.store.DeleteTask(task.ID); err != nil {
				return err
			}
			out.Success("Deleted %s", task.Title)
		}
		return nil
	},
}

func init() {
	add := taskAddCmd.Flags()
	add.IntP("quadrant", "q", 0, "Eisenhower quadrant 1-4")
	add.StringP("priority", "p", "", "priority: low, medium, high")
	add.String("due", "", "due date (e.g. 2026-03-01, tomorrow, next friday 5pm)")
	add.StringSlice("tag", nil, "tag (repeatable)")
	add.String("desc", "", "description")
	add.String("repeat", "", "recurrence: daily, weekly, monthly, yearly")
	add.IntSlice("days", nil, "weekdays for weekly recurrence, 0 = Sunday")
	add.String("until", "", "last day of the recurrence")
	add.Bool("suggest", false, "ask the server for a quadrant suggestion")

	list := taskListCmd.Flags()
	list.IntP("quadrant", "q", 0, "only this quadrant (0 = unplaced)")
	list.String("status", "", "only this status")
	list.BoolP("all", "a", false, "include deleted tasks")
	list.BoolP("matrix", "m", false, "show the Eisenhower matrix")

	taskMoveCmd.Flags().String("after", "", "place below this task")
	taskMoveCmd.Flags().String("before", "", "place above this task")

	taskCmd.AddCommand(
		taskAddCmd,
		taskListCmd,
		taskMoveCmd,
		statusCommand("start", "Mark tasks in progress", schema.StatusInProgress),
		statusCommand("done", "Mark tasks done", schema.StatusDone),
		statusCommand("discard", "Discard tasks", schema.StatusDiscarded),
		taskRestoreCmd,
		taskRmCmd,
	)
}
