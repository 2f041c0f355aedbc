package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/optimode/mailverify"
	"github.com/optimode/mailverify/internal/config"
	"github.com/optimode/mailverify/internal/logging"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "mailverify",
	Short:         "mailverify checks whether email addresses can receive mail",
	Long:          `Syntax, domain and SMTP mailbox validation with a durable deduplication store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")
	_ = v.BindPFlag("database_path", flags.Lookup("db"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

// loadConfig decodes the merged flags, file, environment and defaults.
func loadConfig(vp *viper.Viper) (config.Config, zerolog.Logger, error) {
	cfg, err := config.FromViper(vp)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// openEngine builds an engine from the command line configuration. reg may
// be nil.
func openEngine(reg prometheus.Registerer) (*mailverify.Engine, zerolog.Logger, error) {
	cfg, log, err := loadConfig(v)
	if err != nil {
		return nil, log, err
	}
	opts := mailverify.DefaultOptions()
	opts.Config = cfg
	opts.Logger = log
	opts.Registerer = reg
	e, err := mailverify.New(opts)
	if err != nil {
		return nil, log, err
	}
	return e, log, nil
}
