package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dshills/tabflow/config"
	"github.com/dshills/tabflow/log"
)

type rootFlags struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{v: config.NewViper()}
	cmd := &cobra.Command{
		Use:           "renderworker",
		Short:         "Render workflow tabs from a queue of render requests",
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (default: ./tabflow.yaml if present)")
	cmd.PersistentFlags().String("log-level", log.LevelInfo, "debug, info, warn or error")
	cmd.PersistentFlags().String("module-dir", "", "directory of module spec files")
	_ = f.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = f.v.BindPFlag("worker.module_dir", cmd.PersistentFlags().Lookup("module-dir"))

	cmd.AddCommand(newServeCmd(f), newEnqueueCmd(f), newFetchCmd(f), newModulesCmd(f))
	return cmd
}

// load reads the configuration and sets up logging from it.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.v, f.configPath)
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.Log.Format, cfg.Log.Level)
	return cfg, nil
}
