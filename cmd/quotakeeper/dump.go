package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storagekit/quotakeeper"
	"github.com/storagekit/quotakeeper/internal/db"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump persisted quota tables",
}

var dumpQuotasCmd = &cobra.Command{
	Use:   "quotas",
	Short: "Dump the host-quota table",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.DumpQuotaTable(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tTYPE\tQUOTA")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\n", e.Host, quotakeeper.StorageType(e.Type), e.Quota)
		}
		return w.Flush()
	},
}

var dumpAccessCmd = &cobra.Command{
	Use:   "access",
	Short: "Dump the origin-access table in LRU order",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.DumpAccessTable(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ORIGIN\tTYPE\tUSED\tLAST ACCESS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				e.Origin, quotakeeper.StorageType(e.Type), e.UsedCount,
				e.LastAccess.Format("2006-01-02 15:04:05.000000"))
		}
		return w.Flush()
	},
}

func openDatabase() (*db.Database, error) {
	path := viper.GetString("db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("quota database %s: %w", path, err)
	}
	return db.Open(db.Options{Path: path})
}

func init() {
	dumpCmd.AddCommand(dumpQuotasCmd)
	dumpCmd.AddCommand(dumpAccessCmd)
	rootCmd.AddCommand(dumpCmd)
}
