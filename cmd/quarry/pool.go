package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarrydb/quarry/pkg/poolservice"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage resource pools",
}

var poolApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Import pool definitions from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := poolservice.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open pool store: %v", err)
		}
		defer store.Close()

		svc := poolservice.NewService(store, poolservice.Config{})
		if err := svc.ApplyFile(file); err != nil {
			return err
		}

		fmt.Printf("✓ Applied pool definitions from %s\n", file)
		return nil
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured resource pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := poolservice.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open pool store: %v", err)
		}
		defer store.Close()

		pools, err := store.ListPools()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMAX MEM\tMAX REQUESTS\tMAX QUEUED\tQUEUE TIMEOUT MS")
		for _, pool := range pools {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				pool.Name, pool.MaxMemResources, pool.MaxRequests, pool.MaxQueued, pool.QueueTimeoutMs)
		}
		return w.Flush()
	},
}

func init() {
	poolApplyCmd.Flags().StringP("file", "f", "pools.yaml", "Pool definition file")
	poolApplyCmd.Flags().String("data-dir", "/var/lib/quarry", "Data directory for the pool store")
	poolListCmd.Flags().String("data-dir", "/var/lib/quarry", "Data directory for the pool store")

	poolCmd.AddCommand(poolApplyCmd)
	poolCmd.AddCommand(poolListCmd)
}
