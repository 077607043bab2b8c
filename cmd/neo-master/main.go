package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/config"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/election"
	"github.com/cuemby/neo/internal/handler"
	"github.com/cuemby/neo/internal/health"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/masterserver"
	"github.com/cuemby/neo/internal/metrics"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/txmgr"
	"github.com/cuemby/neo/internal/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "neo-master",
	Short:   "NEO primary-election and transaction-commit master",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neo-master version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "path to a cluster config YAML file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("node-id", "", "this master's raft node id, defaults to bind-addr")
	startCmd.Flags().String("bind-addr", "127.0.0.1:3000", "address this master listens on for the NEO wire protocol")
	startCmd.Flags().String("raft-addr", "127.0.0.1:3100", "address this master listens on for raft traffic")
	startCmd.Flags().String("data-dir", "./neo-master-data", "directory for raft logs and snapshots")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9100", "address to serve /metrics on")
	startCmd.Flags().String("cluster-name", "neo", "cluster name clients and storages must present on identify")
	startCmd.Flags().Int("num-partitions", 12, "number of partitions (P) in the partition table")
	startCmd.Flags().Int("num-replicas", 1, "number of replicas (R) per partition beyond the first copy")
	startCmd.Flags().StringSlice("raft-peer", nil, "additional raft voter as id=host:port, repeatable; this node is always included")

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this process as a NEO master",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("neo-master")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	clusterName, _ := cmd.Flags().GetString("cluster-name")
	numPartitions, _ := cmd.Flags().GetInt("num-partitions")
	numReplicas, _ := cmd.Flags().GetInt("num-replicas")
	rawPeers, _ := cmd.Flags().GetStringSlice("raft-peer")
	if nodeID == "" {
		nodeID = bindAddr
	}
	if clusterName != "" {
		cfg.ClusterName = clusterName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	peers := []raft.Server{{ID: raft.ServerID(nodeID), Address: raft.ServerAddress(raftAddr)}}
	for _, p := range rawPeers {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("--raft-peer %q must be id=host:port", p)
		}
		peers = append(peers, raft.Server{ID: raft.ServerID(parts[0]), Address: raft.ServerAddress(parts[1])})
	}

	nodes := cluster.NewNodeManager()
	pt := cluster.NewPartitionTable(numPartitions, numReplicas, nodes)
	txns := txmgr.New(pt)

	elect, err := election.NewRaft(election.RaftConfig{
		NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir, Peers: peers,
	})
	if err != nil {
		return fmt.Errorf("start raft election: %w", err)
	}
	if err := elect.Campaign(); err != nil {
		logger.Warn().Err(err).Msg("campaign did not bootstrap a new cluster, assuming one already exists")
	}

	d := dispatch.NewDispatcher()
	srv := masterserver.New(cfg.ClusterName, nodes, pt, txns, elect, d)

	poller := netpoll.NewPoller(handler.Route(d, srv.Table()), pingFunc)
	go poller.Run()

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	var connIDSeq uint64
	go acceptLoop(listener, poller, &connIDSeq, logger)
	logger.Info().Str("addr", bindAddr).Msg("listening for storage and client connections")

	hr := health.NewRegistry()
	hr.Register("primary-election", health.CheckerFunc(func(ctx context.Context) health.Result {
		now := time.Now()
		if _, ok := elect.PrimaryAddress(); !ok {
			return health.Result{Healthy: false, Message: "no primary elected yet", CheckedAt: now}
		}
		return health.Result{Healthy: true, CheckedAt: now}
	}))
	hr.Register("partition-table", health.CheckerFunc(func(ctx context.Context) health.Result {
		now := time.Now()
		if !pt.Operational() {
			return health.Result{Healthy: false, Message: "partition table not operational", CheckedAt: now}
		}
		return health.Result{Healthy: true, CheckedAt: now}
	}))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", hr.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("serving metrics and health checks")

	go watchPrimary(elect, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	poller.Stop()
	_ = listener.Close()
	if err := elect.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("election shutdown reported an error")
	}
	return nil
}

func acceptLoop(listener net.Listener, poller *netpoll.Poller, connIDSeq *uint64, logger zerolog.Logger) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			return
		}
		*connIDSeq++
		conn := netpoll.NewConnection(*connIDSeq, netpoll.RolePeerStorage, raw, poller.Inbound())
		poller.Register(conn)
	}
}

// pingFunc is the liveness probe the poller sends to connections idle past
// the ping threshold (§5). AskPrimary goes out as a notification: a storage
// or client peer has no handler for it and drops it, and no handler here
// processes an answer, so the probe only exercises the connection.
func pingFunc(c *netpoll.Connection) {
	_ = handler.Notify(c, wire.CAskPrimary, (&wire.AskPrimaryBody{}).Marshal())
}

func watchPrimary(elect election.PrimaryElection, logger zerolog.Logger) {
	for addr := range elect.Notify() {
		logger.Info().Str("primary_addr", addr).Msg("primary designation changed")
	}
}
