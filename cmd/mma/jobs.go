package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/recurrence"
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	GroupID: "server",
	Short:   "Run the daily server jobs once",
	Long: `Run the recurrence and goal expiry jobs immediately against the server
database, instead of waiting for 'mma serve' to run them at their scheduled
time. Both jobs are idempotent; running them twice on one day creates
nothing new.`,
}

var jobsRecurrenceCmd = &cobra.Command{
	Use:   "recurrence",
	Short: "Create today's recurring task instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := jobDay(cmd)
		if err != nil {
			return err
		}
		store, err := openServerStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := recurrence.NewGenerator(store, recurrence.WithLogger(logger)).Run(cmd.Context(), day)
		if err != nil {
			return err
		}
		out.Success("Recurrence for %s: %d created, %d already present (%d due)",
			day.Format(time.DateOnly), res.Created, res.Skipped, res.Due)
		return nil
	},
}

var jobsExpireCmd = &cobra.Command{
	Use:   "expire-goals",
	Short: "Expire active goals whose period has ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		now, err := jobDay(cmd)
		if err != nil {
			return err
		}
		store, err := openServerStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := recurrence.NewGenerator(store, recurrence.WithLogger(logger)).ExpireGoals(cmd.Context(), now)
		if err != nil {
			return err
		}
		out.Success("Expired %d goals", n)
		return nil
	},
}

func init() {
	jobsCmd.PersistentFlags().String("date", "", "run as of this UTC date (YYYY-MM-DD, default now)")
	jobsCmd.AddCommand(jobsRecurrenceCmd, jobsExpireCmd)
}

func jobDay(cmd *cobra.Command) (time.Time, error) {
	s, _ := cmd.Flags().GetString("date")
	if s == "" {
		return time.Now().UTC(), nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date: %w", err)
	}
	return day, nil
}
