// Package main is the entry point for the tabula server. It wires the
// table registry, signed callbacks and the action dispatcher behind an
// HTTP router.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tabula",
		Short: "Declarative data tables with signed remote actions",
		Long: `tabula serves data tables declared in YAML. Each render returns rows,
pagination and action descriptors; every action carries a signed,
time-bounded callback that the client posts back to invoke it.

Environment Variables:
  TABULA_CALLBACK_KEY      Callback signing key (at least 32 bytes)
  TABULA_SESSION_SECRET    Session token HMAC secret
  TABULA_SERVER_PORT       Overrides server.port`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the tabula HTTP server.

Endpoints:
  GET  /tables/{table}                 Render a table
  POST /table-actions/invoke           Invoke a signed action callback
  GET  /table-actions/openapi.json     Invocation request schema
  GET  /health, /ready, /metrics`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "Validate the definitions and list the registered tables",
		Args:  cobra.NoArgs,
		RunE:  runTables,
	}

	signCmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue a signed callback for an action",
		Long: `Issue a signed callback for one action of a registered table and print
its URL and payload. Row actions require --record.

Example:
  tabula sign --table users --action archive --record 42`,
		Args: cobra.NoArgs,
		RunE: runSign,
	}
	signCmd.Flags().String("table", "", "Table identity")
	signCmd.Flags().String("action", "", "Action name")
	signCmd.Flags().String("record", "", "Record key for row actions")
	_ = signCmd.MarkFlagRequired("table")
	_ = signCmd.MarkFlagRequired("action")

	rootCmd.AddCommand(serveCmd, tablesCmd, signCmd)
	return rootCmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tabula", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	srv, err := newServer(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer srv.Close(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func runTables(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer cat.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tTITLE\tCOLUMNS\tROW\tBULK\tHEADER")
	for _, id := range cat.tables.IDs() {
		t, err := cat.tables.Resolve(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
			t.ID, t.Title, len(t.Columns), len(t.Actions), len(t.BulkActions), len(t.HeaderActions))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d tables, checksum %s\n", cat.tables.Len(), cat.tables.Checksum())
	return nil
}

func runSign(cmd *cobra.Command, _ []string) error {
	tableID, _ := cmd.Flags().GetString("table")
	action, _ := cmd.Flags().GetString("action")
	record, _ := cmd.Flags().GetString("record")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer cat.Close()

	t, err := cat.tables.Resolve(cmd.Context(), tableID)
	if err != nil {
		return err
	}
	op, ok := t.Operation(action)
	if !ok {
		return fmt.Errorf("table %q has no action %q", tableID, action)
	}
	if op.Kind == table.KindRow && record == "" {
		return fmt.Errorf("row action %q requires --record", action)
	}
	if op.Kind != table.KindRow && record != "" {
		return fmt.Errorf("%s action %q does not take --record", op.Kind, action)
	}

	issuer, err := newIssuer(cfg, nil)
	if err != nil {
		return err
	}
	cb, err := issuer.Issue(model.CallbackTarget{
		Table:     t.ID,
		Operation: op.Name,
		Kind:      string(op.Kind),
		Record:    record,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(cb, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
