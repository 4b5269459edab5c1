package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/config"
	"github.com/brensch/formexport/internal/db"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
)

// skipDBAnnotation marks commands that run without the state database.
const skipDBAnnotation = "formexport/skip-db"

var (
	// Persistent flags, bound in init(). Config values are read through viper.
	cfgFile   string
	logFormat string
	logLevel  string
	logOutput string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logCloser  io.Closer
	dbConn     *sql.DB
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "formexport",
	Short: "Export and decrypt encrypted form submissions to CSV.",
	Long: `formexport streams a form's encrypted submissions from the form server, decrypts
and verifies them locally with the form's secret key, and writes a single CSV
(optionally Parquet) with one row per submission.

Settings come from flags, FORMEXPORT_* environment variables or a .formexport.yaml
file. Every export is recorded in a DuckDB event log, viewable with 'state'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		w, closer, err := openLogOutput(logOutput)
		if err != nil {
			return err
		}
		logCloser = closer
		rootLogger = newLogger(w, logFormat, logLevel)
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", logLevel, "format", logFormat, "output", logOutput)

		// --- 2. Load Config (defaults < file < env < flags) ---
		appConfig, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		rootLogger.Debug("Configuration loaded",
			slog.String("base_url", appConfig.BaseURL),
			slog.String("form_id", appConfig.FormID),
			slog.String("output_dir", appConfig.OutputDir),
			slog.String("db_path", appConfig.DbPath),
			slog.Int("workers", appConfig.NumWorkers),
			slog.String("format", appConfig.Format),
		)

		if cmd.Annotations[skipDBAnnotation] == "true" {
			return nil
		}

		// --- 3. Initialize DuckDB Connection & Schema ---
		dbConn, err = openStateDB(cmd.Context(), appConfig.DbPath)
		if err != nil {
			return err
		}
		rootLogger.Debug("State database ready.", "path", appConfig.DbPath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
			dbConn = nil
		}
		if logCloser != nil {
			logCloser.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(keygenCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	def := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./.formexport.yaml or $HOME/.formexport.yaml)")
	pf.StringP("db-path", "d", def.DbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	pf.StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.3.0"
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// openLogOutput resolves stderr, stdout or a file path opened for append.
func openLogOutput(dest string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(dest) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", dest, err)
	}
	return f, f, nil
}

func openStateDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		dbDir := filepath.Dir(path)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database (%s): %w", path, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb database (%s): %w", path, err)
	}
	if err := db.InitializeSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return conn, nil
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}
