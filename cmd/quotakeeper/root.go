package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "quotakeeper",
	Short: "Inspect and edit a storage quota database",
	Long: `quotakeeper is a diagnostics tool for the quota bookkeeping database:
it dumps the persisted host-quota and origin-access tables and reads or
writes individual quota values.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("db", "QuotaManager.db", "Path to the quota database file")
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	viper.SetEnvPrefix("QUOTAKEEPER")
	viper.AutomaticEnv()
}
