package main

import (
	"fmt"
	"os"

	"github.com/ruralpay/ledgercore/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	envFile string
	cfg     *config.Config
	log     *logrus.Logger
}

// newLogger builds the process logger from the log section of cfg.
func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger
	return nil
}

func newCLI() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "ledgercore",
		Short:             "Account ledger and transfer service",
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file with configuration overrides")

	root.AddCommand(serveCommand(a))
	root.AddCommand(migrateCommand(a))
	root.AddCommand(sweepCommand(a))
	return root
}

func main() {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Error(rec)
			os.Exit(1)
		}
	}()

	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
