package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/deepswap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetModels bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (run history, downloaded models)",
	Long:  "Clears local state. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetModels {
			resetDB = true
			resetModels = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Fprintf(os.Stderr, "⚠️  Skipping history: %v\n", errNoDatabase)
			} else if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP the run history tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetModels {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete all models in %s?", cfg.ModelDir)) {
				fmt.Println("🗑️  Clearing Models...")
				removeDir(cfg.ModelDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Drop the run history tables")
	resetCmd.Flags().BoolVar(&resetModels, "models", false, "Delete downloaded model weights")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
