package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the run history connection shared by subcommands. It stays nil when no database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// configFile is an optional YAML file layered under the command-line flags
	configFile string
)

// Version is the application version.
const Version = "0.1.0"

var errNoDatabase = errors.New("no database configured (use --db or POSTGRES_HOST)")

var rootCmd = &cobra.Command{
	Use:     "deepswap",
	Short:   "Face swapping for images and videos",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the real environment still applies
		_ = godotenv.Load()

		url := databaseURL(dbURL)
		if url == "" {
			return nil
		}
		var err error
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			DB.Close(context.Background())
		}
	},
}

// databaseURL returns the flag value, or a connection string built from POSTGRES_* variables,
// or "" when history is not configured.
func databaseURL(flag string) string {
	if flag != "" {
		return flag
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	name := os.Getenv("POSTGRES_DB")
	if name == "" {
		name = "deepswap"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, name)
}

// loadConfig reads the defaults, the --config file and the environment.
// Command flags are applied on top by each command.
func loadConfig() (config.Config, error) {
	return config.Load(configFile)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for run history (optional)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
}
