package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/storagekit/quotakeeper"
)

var hostQuotaCmd = &cobra.Command{
	Use:   "host-quota",
	Short: "Read or write a host's persistent quota",
}

var hostQuotaGetCmd = &cobra.Command{
	Use:   "get <host>",
	Short: "Print the persistent quota stored for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		quota, found, err := database.GetHostQuota(
			context.Background(), args[0], int(quotakeeper.StorageTypePersistent))
		if err != nil {
			return err
		}
		if !found {
			quota = 0
		}
		fmt.Println(quota)
		return nil
	},
}

var hostQuotaSetCmd = &cobra.Command{
	Use:   "set <host> <quota>",
	Short: "Store a persistent quota for a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		quota, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || quota < 0 {
			return fmt.Errorf("invalid quota %q", args[1])
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.SetHostQuota(
			context.Background(), args[0], int(quotakeeper.StorageTypePersistent), quota); err != nil {
			return err
		}
		return database.Flush()
	},
}

var globalQuotaCmd = &cobra.Command{
	Use:   "global-quota",
	Short: "Read or write the temporary pool quota",
}

var globalQuotaGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the stored temporary pool quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		quota, found, err := database.GetGlobalQuota(
			context.Background(), int(quotakeeper.StorageTypeTemporary))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no temporary pool quota stored yet")
		}
		fmt.Println(quota)
		return nil
	},
}

var globalQuotaSetCmd = &cobra.Command{
	Use:   "set <quota>",
	Short: "Store the temporary pool quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quota, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || quota < 0 {
			return fmt.Errorf("invalid quota %q", args[0])
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.SetGlobalQuota(
			context.Background(), int(quotakeeper.StorageTypeTemporary), quota); err != nil {
			return err
		}
		return database.Flush()
	},
}

func init() {
	hostQuotaCmd.AddCommand(hostQuotaGetCmd)
	hostQuotaCmd.AddCommand(hostQuotaSetCmd)
	rootCmd.AddCommand(hostQuotaCmd)

	globalQuotaCmd.AddCommand(globalQuotaGetCmd)
	globalQuotaCmd.AddCommand(globalQuotaSetCmd)
	rootCmd.AddCommand(globalQuotaCmd)
}
