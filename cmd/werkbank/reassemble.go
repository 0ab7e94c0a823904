package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-arndt/werkbank/internal/logging"
	"github.com/p-arndt/werkbank/internal/persistence"
)

var reassembleDataDir string

var reassembleCmd = &cobra.Command{
	Use:   "reassemble <task-id> <chunk-dir>",
	Short: "Rebuild a chunked file from its chunk manifest",
	Long: `Reassembles <data-dir>/tasks/<task-id>/<chunk-dir> into
<data-dir>/tasks/<task-id>/reassembled/<original file>, verifying every chunk checksum.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps := persistence.NewSnapshotter(persistence.SnapshotterConfig{DataDir: reassembleDataDir}, logging.Discard())
		out, err := snaps.ReassembleChunkedFile(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	reassembleCmd.Flags().StringVar(&reassembleDataDir, "data-dir", "./data", "werkbank data directory")
}
