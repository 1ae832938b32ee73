// ABOUTME: Entry point for the VulnDash vulnerability dashboard backend.
// ABOUTME: Builds the cobra command tree, loads configuration, and sets up structured logging.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jfeddern/VulnDash/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries state shared by every subcommand
type app struct {
	viper   *viper.Viper
	cfgFile string
	out     io.Writer

	config    *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{viper: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "vulndash",
		Short:         "VulnDash ingests vulnerability feeds and serves dashboard aggregates.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	root.SetOut(out)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./vulndash.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text")
	flags.String("store", "", "path to the SQLite row store")
	flags.String("feed-source", "", "feed source: web, remote, s3, local, mock")
	flags.String("feed-url", "", "feed URL for web sources")
	flags.String("feed-path", "", "feed file for the local source")
	a.bind(root, map[string]string{
		"log.level":   "log-level",
		"log.format":  "log-format",
		"store.path":  "store",
		"feed.source": "feed-source",
		"feed.url":    "feed-url",
		"feed.path":   "feed-path",
	})

	root.AddCommand(a.serveCmd(), a.ingestCmd(), a.snapshotCmd(), a.versionCmd())
	return root
}

// bind maps persistent flags onto config keys
func (a *app) bind(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		_ = a.viper.BindPFlag(key, f)
	}
}

// load resolves configuration and builds the logger
func (a *app) load() error {
	config.SetDefaults(a.viper)
	config.ConfigureEnv(a.viper)
	if err := config.ReadFile(a.viper, a.cfgFile); err != nil {
		return err
	}

	cfg, err := config.NewConfigFromViper(a.viper)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg.Log, a.out)
	if err != nil {
		return err
	}

	a.config = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

// newLogger builds the process logger; a log file is rotated and teed with out
func newLogger(cfg config.LogConfig, out io.Writer) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.File == "" {
		logger.SetOutput(out)
		return logger, nil, nil
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	logger.SetOutput(io.MultiWriter(out, fileWriter))
	return logger, fileWriter, nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip configuration loading
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
