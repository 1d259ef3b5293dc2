package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/schema"
)

var goalCmd = &cobra.Command{
	Use:     "goal",
	GroupID: "device",
	Short:   "Manage goals on this device",
}

var goalAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a goal for the current period",
	Example: `  mma goal add "Run" --timeframe weekly --target 3`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		timeframe, _ := cmd.Flags().GetString("timeframe")
		target, _ := cmd.Flags().GetInt("target")
		goal, err := d.store.CreateGoal(&schema.Goal{
			Title:       strings.Join(args, " "),
			Timeframe:   schema.Timeframe(timeframe),
			TargetCount: target,
		})
		if err != nil {
			return err
		}
		out.Success("Created goal")
		out.Println(out.GoalLine(goal))
		return nil
	},
}

var goalListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List goals",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		goals, err := d.store.ListGoals()
		if err != nil {
			return err
		}
		if len(goals) == 0 {
			out.Muted("No goals")
			return nil
		}
		for _, g := range goals {
			out.Println(out.GoalLine(g))
		}
		return nil
	},
}

var goalProgressCmd = &cobra.Command{
	Use:   "progress <id> [n]",
	Short: "Record progress on a goal",
	Long: `Add n (default 1) to a goal's completed count. Reaching the target marks
the goal completed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 1
		if len(args) == 2 {
			var err error
			if n, err = strconv.Atoi(args[1]); err != nil {
				return fmt.Errorf("invalid count %q", args[1])
			}
		}

		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		goal, err := d.resolveGoal(args[0])
		if err != nil {
			return err
		}
		completed := max(goal.CompletedCount+n, 0)
		patch := schema.Payload{}
		if err := patch.Set("completedCount", completed); err != nil {
			return err
		}
		if goal.Status == schema.GoalActive && completed >= goal.TargetCount {
			if err := patch.Set("status", schema.GoalCompleted); err != nil {
				return err
			}
		}
		updated, err := d.store.UpdateGoal(goal.ID, patch)
		if err != nil {
			return err
		}
		out.Println(out.GoalLine(updated))
		return nil
	},
}

var goalRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a goal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		goal, err := d.resolveGoal(args[0])
		if err != nil {
			return err
		}
		if err := d.store.DeleteGoal(goal.ID); err != nil {
			return err
		}
		out.Success("Deleted %s", goal.Title)
		return nil
	},
}

func init() {
	goalAddCmd.Flags().StringP("timeframe", "t", string(schema.Weekly), "daily, weekly, monthly or yearly")
	goalAddCmd.Flags().Int("target", 1, "how many completions reach the goal")
	goalCmd.AddCommand(goalAddCmd, goalListCmd, goalProgressCmd, goalRmCmd)
}
