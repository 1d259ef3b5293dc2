package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/daemon"
	"github.com/polravi/mapmyactivities/internal/replica"
	"github.com/polravi/mapmyactivities/internal/schema"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "device",
	Short:   "Pull remote changes and push local ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(true)
		if err != nil {
			return err
		}
		defer d.Close()

		report, err := d.coord.Sync(cmd.Context())
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func printReport(r *replica.Report) {
	out.Success("Synced in %s", r.Took.Round(time.Millisecond))
	out.Muted("  pulled %d, kept local %d, deleted %d, pushed %d", r.Pulled, r.Kept, r.Deleted, r.Pushed)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "device",
	Short:   "Show the local replica's sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		pending, err := d.store.PendingCount()
		if err != nil {
			return err
		}
		cursor, err := d.store.Cursor()
		if err != nil {
			return err
		}

		out.Println("Replica:  ", cfg.Client.ReplicaDir)
		out.Println("Server:   ", cfg.Client.ServerURL)
		out.Println("Owner:    ", d.store.Owner())
		if cursor == nil {
			out.Println("Last sync:", "never")
		} else {
			out.Println("Last sync:", schema.FromMillis(*cursor).Local().Format(time.DateTime))
		}
		out.Println("Pending:  ", pending)
		if cfg.Client.Token == "" {
			out.Muted("client.token is not set; this device only works offline")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "device",
	Short:   "Keep this device in sync",
	Long: `Sync on an interval and whenever the server reports a change for this
account. With client.inbox_dir set, JSON and JSONL files dropped there are
imported and moved to its processed/ directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDevice(true)
		if err != nil {
			return err
		}
		defer d.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.Client.SyncInterval
		dcfg.DebounceInterval = cfg.Client.DebounceInterval
		dcfg.InboxDir = cfg.Client.InboxDir
		dcfg.Logger = logger

		dm, err := daemon.New(d.coord, d.store, d.client, dcfg)
		if err != nil {
			return err
		}
		out.Success("Watching %s", cfg.Client.ServerURL)
		if err := dm.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			return err
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "device",
	Short:   "Seed a new account with starter tasks and sync them",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(true)
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.client.InitAccount(cmd.Context())
		if err != nil {
			return err
		}
		if n == 0 {
			out.Muted("Account already initialized")
		} else {
			out.Success("Created %d starter tasks", n)
		}
		report, err := d.coord.Sync(cmd.Context())
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}
