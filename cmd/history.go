package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/deepswap/internal/store"
	"github.com/andresmejia3/deepswap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historyRunID    int64
	historySimilar  int64
	historyDistance float64
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded swap runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			return errNoDatabase
		}
		return runHistory(cmd.Context(), os.Stdout)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().Int64Var(&historyRunID, "run", 0, "Show the target index of one run")
	historyCmd.Flags().Int64Var(&historySimilar, "same-source", 0, "List runs whose source face matches the source face of this run")
	historyCmd.Flags().Float64Var(&historyDistance, "max-distance", 0.4, "Cosine distance for --same-source")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, out io.Writer) error {
	if historyRunID > 0 {
		frames, err := DB.RunFrames(ctx, historyRunID)
		if err != nil {
			utils.ShowError("Failed to load run", err, nil)
			return err
		}
		if len(frames) == 0 {
			fmt.Fprintln(out, "No target index recorded for this run (only in-memory video runs have one).")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FRAME\tFACES")
		fmt.Fprintln(w, "-----\t-----")
		for _, f := range frames {
			fmt.Fprintf(w, "%d\t%d\n", f.FrameIndex, f.FaceCount)
		}
		return w.Flush()
	}

	var runs []store.Run
	var err error
	if historySimilar > 0 {
		runs, err = DB.RunsWithSimilarSource(ctx, historySimilar, historyDistance)
	} else {
		runs, err = DB.ListRuns(ctx, historyLimit)
	}
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return nil
	}
	printRuns(out, runs)
	return nil
}

func printRuns(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tINPUT\tOUTPUT\tMODE\tSTATE\tFRAMES\tDURATION")
	fmt.Fprintln(w, "--\t-------\t-----\t------\t----\t-----\t------\t--------")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			filepath.Base(r.InputPath),
			filepath.Base(r.OutputPath),
			runMode(r),
			r.State,
			r.FramesModified, r.Frames,
			utils.FmtDuration(r.FinishedAt.Sub(r.StartedAt)),
		)
	}
	w.Flush()
}

func runMode(r store.Run) string {
	mode := "reference"
	if r.EveryFace {
		mode = "every-face"
	}
	if r.InMemory {
		mode += ",in-memory"
	}
	if r.Restore {
		mode += ",restore"
	}
	return mode
}
