package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the attendance store shared by subcommands
	DB store.Repository
	// Cfg is the resolved configuration
	Cfg *config.Config

	cfgPath  string
	dbURL    string
	dbDriver string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face recognition attendance kiosk",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbDriver != "" {
			Cfg.Database.Driver = dbDriver
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		if err := Cfg.Validate(); err != nil {
			return err
		}

		DB, err = openStore(cmd.Context(), Cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
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
	cobra.OnInitialize(loadDotEnv)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "Database driver: postgres or sqlite")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: built from POSTGRES_* or postgres://localhost:5432/rollcall)")
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env: %v\n", err)
	}
}

// postgresURL returns url when set, otherwise builds one from POSTGRES_*.
func postgresURL(url string) string {
	if url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/rollcall"
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	evidence := store.EvidenceWriter{Dir: cfg.Evidence.Dir, Quality: cfg.Evidence.Quality}
	if cfg.Database.Driver == config.DriverSQLite {
		s, err := store.NewSQLite(cfg.Database.SQLitePath, evidence)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := store.NewPostgres(ctx, postgresURL(cfg.Database.URL), evidence)
	if err != nil {
		return nil, err
	}
	return s, nil
}
