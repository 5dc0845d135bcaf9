package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mit-pdos/go-wal/config"
	"github.com/mit-pdos/go-wal/logmgr"
	"github.com/mit-pdos/go-wal/util"
)

var (
	configPath string
	dirFlag    string
	logLevel   string
	devLog     bool
	debugLevel uint64
)

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:           "walctl",
		Short:         "Inspect and exercise a partitioned write-ahead log",
		SilenceUsage:  true,
	}
	c.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML, TOML or JSON config file")
	c.PersistentFlags().StringVarP(&dirFlag, "dir", "d", "", "log directory, overrides the config file")
	c.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	c.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable development logging")
	c.PersistentFlags().Uint64Var(&debugLevel, "debug", 1, "trace level of the log internals, 0 for none")

	c.AddCommand(dumpCmd(), masterCmd(), checkpointCmd(), benchCmd())
	return c
}

// loadConfig reads the config file, applies flag overrides and installs
// the process logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dirFlag != "" {
		cfg.Dir = dirFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	l, err := mkLogger(cfg.LogLevel, devLog)
	if err != nil {
		return config.Config{}, err
	}
	util.SetLogger(l)
	util.SetDebug(debugLevel)
	return cfg, cfg.Validate()
}

func mkLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openLog() (*logmgr.Handle, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return logmgr.Open(cfg)
}

func masterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Print the master record and the live partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := openLog()
			if err != nil {
				return err
			}
			defer h.Close()
			m := h.Master()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seq          %d\n", m.Seq)
			fmt.Fprintf(out, "checkpoint   %v\n", m.MasterLSN)
			fmt.Fprintf(out, "min rec      %v\n", m.MinChkptRecLSN)
			fmt.Fprintf(out, "global min   %v\n", m.GlobalMin())
			fmt.Fprintf(out, "durable      %v\n", h.DurableLSN())
			fmt.Fprintf(out, "live         %v\n", h.Live())
			fmt.Fprintf(out, "partition ends %v\n", m.PartEnds)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Take a checkpoint and scavenge what it frees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := openLog()
			if err != nil {
				return err
			}
			if err := h.Checkpoint(); err != nil {
				h.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\nlive %v\n", h.Master(), h.Live())
			return h.Close()
		},
	}
}
