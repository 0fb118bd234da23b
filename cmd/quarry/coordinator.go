package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrydb/quarry/pkg/admission"
	"github.com/quarrydb/quarry/pkg/api"
	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/membership"
	"github.com/quarrydb/quarry/pkg/memtracker"
	"github.com/quarrydb/quarry/pkg/metrics"
	"github.com/quarrydb/quarry/pkg/poolservice"
	"github.com/quarrydb/quarry/pkg/statestore"
	"github.com/quarrydb/quarry/pkg/types"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Manage the Quarry coordinator",
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a Quarry coordinator",
	Long: `Start a coordinator: it joins the membership topic, serves the
admission debug API, and admits queries against the pools in the pool
store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		addr, _ := cmd.Flags().GetString("addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		poolFile, _ := cmd.Flags().GetString("pool-file")
		memLimit, _ := cmd.Flags().GetInt64("admission-mem-limit")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		queueTimeout, _ := cmd.Flags().GetDuration("default-queue-timeout")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
		metrics.SetVersion(Version)

		if nodeID == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to determine node id: %v", err)
			}
			nodeID = hostname
		}
		if memLimit == 0 {
			// Advertise 80% of physical memory for admission by default.
			memLimit = memtracker.PhysicalMem() / 5 * 4
		}

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}

		store, err := poolservice.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open pool store: %v", err)
		}
		defer store.Close()

		poolSvc := poolservice.NewService(store, poolservice.Config{
			DefaultQueueTimeoutMs: queueTimeout.Milliseconds(),
		})
		if poolFile != "" {
			if err := poolSvc.ApplyFile(poolFile); err != nil {
				return fmt.Errorf("failed to import pool file: %v", err)
			}
			watcher, err := poolservice.NewWatcher(poolSvc, poolFile)
			if err != nil {
				return fmt.Errorf("failed to watch pool file: %v", err)
			}
			watcher.Start()
			defer watcher.Stop()
		}
		metrics.RegisterComponent("poolservice", true, "")

		bus := statestore.NewBus(heartbeat)

		members := membership.NewManager(types.BackendDescriptor{
			ID:                nodeID,
			Address:           addr,
			AdmissionMemLimit: memLimit,
			IsCoordinator:     true,
			IsExecutor:        true,
		}, 3*heartbeat)
		members.Register(bus)

		tracker := memtracker.NewTracker()

		controller := admission.NewController(admission.Config{
			CoordinatorID:       nodeID,
			DefaultQueueTimeout: queueTimeout,
			HeartbeatInterval:   heartbeat,
		}, members, poolSvc, tracker)
		controller.RegisterWithBus(bus)
		controller.Start()
		defer controller.Stop()

		bus.Start()
		defer bus.Stop()
		metrics.RegisterComponent("statestore", true, "")
		metrics.RegisterComponent("admission", true, "")

		apiServer := api.NewServer(controller)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- err
			}
		}()
		defer apiServer.Stop()

		pruneTicker := time.NewTicker(heartbeat)
		defer pruneTicker.Stop()
		go func() {
			for range pruneTicker.C {
				members.PruneExpired()
			}
		}()

		coordLogger := log.WithCoordinatorID(nodeID)
		coordLogger.Info().
			Str("api_addr", apiAddr).
			Msg("coordinator running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			coordLogger.Info().
				Str("signal", sig.String()).
				Msg("shutting down")
			return nil
		}
	},
}

func init() {
	coordinatorStartCmd.Flags().String("node-id", "", "Coordinator id (default: hostname)")
	coordinatorStartCmd.Flags().String("addr", "0.0.0.0:26000", "Address advertised to the cluster")
	coordinatorStartCmd.Flags().String("api-addr", "0.0.0.0:25000", "Debug/metrics API listen address")
	coordinatorStartCmd.Flags().String("data-dir", "/var/lib/quarry", "Data directory for the pool store")
	coordinatorStartCmd.Flags().String("pool-file", "", "YAML pool definitions to import and watch")
	coordinatorStartCmd.Flags().Int64("admission-mem-limit", 0, "Memory advertised for admission (default: 80% of physical)")
	coordinatorStartCmd.Flags().Duration("heartbeat-interval", time.Second, "Statestore heartbeat interval")
	coordinatorStartCmd.Flags().Duration("default-queue-timeout", 60*time.Second, "Queue wait timeout for pools without one")
	coordinatorStartCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	coordinatorStartCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")

	coordinatorCmd.AddCommand(coordinatorStartCmd)
}
