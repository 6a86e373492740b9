// Command spider inspects task graphs, submits jobs to the job store and
// runs the liveness monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aristath/spider/internal/config"
	"github.com/aristath/spider/internal/persistence"
)

const memoryPath = ":memory:"

// app holds the state shared by every command.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: logrus.StandardLogger()}

	root := &cobra.Command{
		Use:           "spider",
		Short:         "Spider - task graph tooling and job store",
		Long:          `Spider validates and converts task graphs, submits them as jobs to a SQLite job store, and runs the monitor that fails timed-out tasks and retries failed jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.ProjectPath(), "project config file, merged over the global one")
	flags.StringVar(&a.dbPath, "db", "", "job store path (overrides storage.path; \":memory:\" for a throwaway store)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		newGraphCmd(a),
		newJobCmd(a),
		newWorkerCmd(a),
		newMonitorCmd(a),
		newDataCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(config.GlobalPath(), a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.ConfigureLogger(a.log); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	a.cfg = cfg
	return nil
}

// openStore opens the configured job store. The caller closes it.
func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	path := a.cfg.Storage.Path
	a.log.WithField("path", path).Debug("opening job store")
	if path == memoryPath {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

// withStore opens the job store for the duration of fn.
func (a *app) withStore(cmd *cobra.Command, fn func(*persistence.SQLiteStore) error) error {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
