package main

import (
	"github.com/spf13/cobra"

	"github.com/polravi/mapmyactivities/internal/importer"
)

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "device",
	Short:   "Import tasks and goals from a JSON or JSONL file",
	Long: `Import records into the local replica. A .json file holds one record or
an array of records; any other file is read as JSONL. Each record carries a
"kind" of "task" or "goal" (tasks are assumed when it is missing).

Records whose id already exists are skipped, so an import can be repeated.
Imported records are pushed on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		d, err := openDevice(false)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := importer.ImportFile(args[0], d.store, importer.Options{DryRun: dryRun})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		out.Success("%s %d tasks and %d goals (%d skipped)", verb, res.Tasks, res.Goals, res.Skipped)
		for _, e := range res.Errors {
			out.Error("%v", e)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate without writing")
}
