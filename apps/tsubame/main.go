package main

import (
	"fmt"
	"os"

	"github.com/andrej220/tsubame/pkg/config"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger lg.Logger = lg.Discard

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file (defaults plus environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initTsubame

	rootCmd.AddCommand(serveCmd, runCmd, probeCmd, encryptCmd, enqueueCmd, configCmd)

	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsubame:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tsubame",
	Short:        "Run registered shell scripts on remote hosts over SSH",
	SilenceUsage: true,
}

func initTsubame(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations["skipConfig"] == "true" {
		return nil
	}
	var err error
	cfg, err = config.Load(flagConfigFilePath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagVerbose {
		cfg.Log.Debug = true
	}
	logger = lg.New(cfg.Log.Logger(cfg.Service.Name))
	cmd.SetContext(lg.Attach(cmd.Context(), logger))
	return nil
}
