package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/deepswap/internal/models"
	"github.com/andresmejia3/deepswap/internal/utils"
	"github.com/spf13/cobra"
)

var modelsDir string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Download the swap and restoration models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("model-dir") {
			cfg.ModelDir = modelsDir
		}

		d := models.Downloader{Progress: os.Stderr}
		for _, m := range []struct{ url, path string }{
			{cfg.SwapperModelURL, cfg.SwapperModelPath()},
			{cfg.RestorerModelURL, cfg.RestorerModelPath()},
		} {
			downloaded, err := d.Ensure(cmd.Context(), m.url, m.path)
			if err != nil {
				utils.ShowError("Failed to download model", err, nil)
				return err
			}
			if downloaded {
				fmt.Fprintf(os.Stderr, "📦 Downloaded %s\n", m.path)
			} else {
				fmt.Fprintf(os.Stderr, "✔️  %s already present\n", m.path)
			}
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsDir, "model-dir", "", "Directory holding the model weights (default from config)")
	rootCmd.AddCommand(modelsCmd)
}
