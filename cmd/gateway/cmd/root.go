// Package cmd implements the gateway command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jensneuse/abstractlogger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jensneuse/graphql-gateway/pkg/config"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "gateway composes federated GraphQL services behind one endpoint",
		Long: `gateway fetches the SDL of every configured service, composes a federated
schema and serves queries, mutations and graphql-ws subscriptions on it.

Configuration is read from a YAML file, every key can be overridden with a
GATEWAY_ prefixed environment variable, e.g. GATEWAY_LISTEN=0.0.0.0:8080.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "config file")

	loadConfig := func() (*config.Config, error) {
		return config.Load(configFile)
	}

	rootCmd.AddCommand(
		newServeCmd(loadConfig),
		newComposeCmd(),
		newConfigCmd(loadConfig),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) (abstractlogger.Logger, func(), error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}
	sync := func() {
		_ = zapLogger.Sync()
	}
	return abstractlogger.NewZapLogger(zapLogger, abstractLevel(cfg.Level)), sync, nil
}

func abstractLevel(level string) abstractlogger.Level {
	switch strings.ToLower(level) {
	case "debug":
		return abstractlogger.DebugLevel
	case "warn":
		return abstractlogger.WarnLevel
	case "error":
		return abstractlogger.ErrorLevel
	case "fatal":
		return abstractlogger.FatalLevel
	case "panic":
		return abstractlogger.PanicLevel
	default:
		return abstractlogger.InfoLevel
	}
}
