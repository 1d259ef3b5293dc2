package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "server",
	Short:   "Run concurrent devices against a scratch database",
	Long: `Seed a scratch SQLite database with tasks, then run simulated devices
that pull and push random edits concurrently. Reports pull and push
latency, conflicts, and whether every device converged on the same state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		devices, _ := flags.GetInt("devices")
		tasks, _ := flags.GetInt("tasks")
		rounds, _ := flags.GetInt("rounds")
		edits, _ := flags.GetInt("edits")
		keep, _ := flags.GetBool("keep")

		dir, err := os.MkdirTemp("", "mma-loadtest-*")
		if err != nil {
			return err
		}
		if !keep {
			defer os.RemoveAll(dir)
		}
		dbPath := filepath.Join(dir, "loadtest.db")

		fmt.Printf("Seeding %d tasks in %s\n", tasks, dbPath)
		ts, err := loadtest.CreateTestServer(cmd.Context(), dbPath, tasks,
			delta.WithLogger(logger),
			delta.WithMaxPushAttempts(cfg.Server.MaxPushAttempts),
		)
		if err != nil {
			return err
		}
		defer ts.Close()

		report, err := ts.RunDevices(cmd.Context(), devices, rounds, edits)
		if err != nil {
			return err
		}
		report.Print(os.Stdout)

		if err := ts.VerifyConvergence(cmd.Context()); err != nil {
			out.Error("Devices did not converge: %v", err)
			return err
		}
		out.Success("All devices converged")
		return nil
	},
}

func init() {
	flags := loadtestCmd.Flags()
	flags.Int("devices", 10, "concurrent devices")
	flags.Int("tasks", 1000, "tasks to seed")
	flags.Int("rounds", 20, "pull/push rounds per device")
	flags.Int("edits", 5, "edits per push")
	flags.Bool("keep", false, "keep the scratch database")
}
