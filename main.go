// Command procmon runs the endpoint monitoring engine and queries it over its
// control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jnesss/procmon/config"
	"github.com/jnesss/procmon/logging"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "procmon",
	Short: "Process, driver and device monitoring engine",
	Long: `procmon records process creation and exit into a bounded buffer and
enumerates installed drivers, loaded kernel modules and active devices.

Run "procmon serve" with sufficient privileges, then query it with the
events, drivers and devices commands.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("socket", config.DefaultSocket(), "control socket path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	v.BindPFlag("socket", rootCmd.PersistentFlags().Lookup("socket"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(driversCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	l, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger = l
	return nil
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
