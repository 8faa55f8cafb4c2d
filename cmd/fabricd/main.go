// Command fabricd runs one node of the peer-to-peer fabric, either as a
// hash-cracking coordinator or as a worker that joins an existing one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/config"
	"github.com/meshforge/fabricd/internal/fabric"
)

var (
	flagPort     int
	flagAddress  string
	flagNodeID   string
	flagCoord    string
	flagPassword string
)

func main() {
	root := &cobra.Command{
		Use:   "fabricd",
		Short: "Peer-to-peer administration and compute fabric node",
	}
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "port to listen on (default from $PORT or 8080)")
	root.PersistentFlags().StringVar(&flagAddress, "address", "", "externally reachable host:port advertised to peers")
	root.PersistentFlags().StringVar(&flagNodeID, "node-id", "", "stable identifier for this node (default: random uuid)")
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "archive passphrase (unused by the archive's open on-disk store, carried for interface parity)")

	coordCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run as a hash-cracking job coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(fabric.RoleCoordinator, "")
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run as a hash-cracking worker, joining a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagCoord == "" {
				fmt.Fprintln(os.Stderr, "fabricd worker: --coord <host:port> is required")
				os.Exit(int(exitBadArguments))
			}
			return run(fabric.RoleWorker, flagCoord)
		},
	}
	workerCmd.Flags().StringVar(&flagCoord, "coord", "", "seed coordinator endpoint, e.g. http://10.0.0.1:8080")

	root.AddCommand(coordCmd, workerCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(exitBadArguments))
	}
}

// run builds the node configuration, bootstraps every component, and
// blocks serving the HTTP surface until an interrupt or term signal
// arrives, then shuts down gracefully.
func run(role fabric.Role, seedEndpoint string) error {
	cfg := config.Load()
	cfg.Fabric.Role = string(role)
	if flagPort > 0 {
		cfg.Server.Port = flagPort
	}
	if flagNodeID != "" {
		cfg.Fabric.NodeID = flagNodeID
	}
	if cfg.Fabric.NodeID == "" {
		cfg.Fabric.NodeID = uuid.NewString()
	}
	if flagAddress != "" {
		cfg.Fabric.Endpoint = flagAddress
	} else if cfg.Fabric.Endpoint == "" {
		cfg.Fabric.Endpoint = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if seedEndpoint != "" {
		cfg.Fabric.CoordAddr = seedEndpoint
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	n, code, err := bootstrap(cfg, role, cfg.Fabric.CoordAddr, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err), zap.Int("exit_code", int(code)))
		os.Exit(int(code))
	}

	switch role {
	case fabric.RoleCoordinator:
		if err := n.startCoordinator(context.Background()); err != nil {
			logger.Error("failed to start coordinator service", zap.Error(err))
			os.Exit(int(exitBadArguments))
		}
	case fabric.RoleWorker:
		n.startWorker()
	}

	go func() {
		logger.Info("fabricd listening",
			zap.String("node_id", cfg.Fabric.NodeID),
			zap.String("role", string(role)),
			zap.Int("port", cfg.Server.Port),
		)
		if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("transport server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("transport server did not shut down cleanly", zap.Error(err))
	}
	n.shutdown(ctx)

	logger.Info("fabricd exited")
	return nil
}
