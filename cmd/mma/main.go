// Command mma runs the MapMyActivities sync server and the device client.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/config"
	"github.com/polravi/mapmyactivities/internal/logging"
	"github.com/polravi/mapmyactivities/internal/ui"
)

var (
	cfgFile string
	v       = config.NewViper()

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	out       = ui.NewRenderer(os.Stdout)
)

var rootCmd = &cobra.Command{
	Use:   "mma",
	Short: "MapMyActivities task and goal sync",
	Long: `mma keeps Eisenhower-matrix tasks and goals in sync across devices.

Run 'mma serve' on the server. On each device, set client.server_url and
client.token (or MMA_CLIENT_SERVER_URL / MMA_CLIENT_TOKEN) and use the task,
goal and sync commands; 'mma watch' keeps the device in sync continuously.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger, logCloser, err = logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./mma.yaml or ~/.config/mma/mma.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("server", "", "sync server URL")
	flags.String("token", "", "bearer token for the sync server")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("client.server_url", flags.Lookup("server"))
	_ = v.BindPFlag("client.token", flags.Lookup("token"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "device", Title: "Device Commands:"},
	)
	rootCmd.AddCommand(serveCmd, jobsCmd, loadtestCmd)
	rootCmd.AddCommand(taskCmd, goalCmd, syncCmd, statusCmd, watchCmd, importCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
