package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/neo/internal/cache"
	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/config"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/handler"
	"github.com/cuemby/neo/internal/identify"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/pool"
	"github.com/cuemby/neo/internal/txn"
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
	Use:     "neo-cli",
	Short:   "Interact with a NEO cluster as a client",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neo-cli version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "path to a cluster config YAML file")
	rootCmd.PersistentFlags().StringSlice("masters", nil, "master addresses, overrides the config file")
	rootCmd.PersistentFlags().String("cluster-name", "", "cluster name, overrides the config file")
	rootCmd.PersistentFlags().Int("num-partitions", 12, "partition count this cluster was started with")
	rootCmd.PersistentFlags().Int("num-replicas", 1, "replica count this cluster was started with")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(putCmd, getCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level)})
}

var putCmd = &cobra.Command{
	Use:   "put <oid> <file|->",
	Short: "Store an object in a single-object transaction",
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <oid>",
	Short: "Load the latest revision of an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runPut(cmd *cobra.Command, args []string) error {
	oid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse oid: %w", err)
	}
	var data []byte
	if args[1] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	engine, err := newEngine(cmd)
	if err != nil {
		return err
	}

	ctx, err := engine.Begin(nil, 0)
	if err != nil {
		return fmt.Errorf("tpc_begin: %w", err)
	}
	if err := engine.Store(ctx, oid, 0, data); err != nil {
		engine.Abort(ctx)
		return fmt.Errorf("store: %w", err)
	}
	if _, err := engine.Vote(ctx, nil); err != nil {
		engine.Abort(ctx)
		return fmt.Errorf("tpc_vote: %w", err)
	}
	tid, err := engine.Finish(ctx, nil)
	if err != nil {
		return fmt.Errorf("tpc_finish: %w", err)
	}
	fmt.Printf("stored oid=%d tid=%d (%d bytes)\n", oid, tid, len(data))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	oid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse oid: %w", err)
	}

	engine, err := newEngine(cmd)
	if err != nil {
		return err
	}

	data, serial, err := engine.Load(oid)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	fmt.Fprintf(os.Stderr, "oid=%d serial=%d\n", oid, serial)
	_, err = os.Stdout.Write(data)
	return err
}

// newEngine wires up the client runtime common to every subcommand:
// dispatcher, poller, bootstrap against the masters, storage pool and
// cache, per §4.7's client-to-master handshake and §4.2's pool contract.
func newEngine(cmd *cobra.Command) (*txn.Engine, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if masters, _ := cmd.Flags().GetStringSlice("masters"); len(masters) > 0 {
		cfg.Masters = masters
	}
	if name, _ := cmd.Flags().GetString("cluster-name"); name != "" {
		cfg.ClusterName = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Masters) == 0 {
		return nil, fmt.Errorf("no master addresses configured, pass --masters or a config file")
	}
	numPartitions, _ := cmd.Flags().GetInt("num-partitions")
	numReplicas, _ := cmd.Flags().GetInt("num-replicas")

	c, err := cache.New(cfg.CacheSize, 0)
	if err != nil {
		return nil, err
	}

	d := dispatch.NewDispatcher()
	table := handler.NewTable()
	table.On(wire.CInvalidateObjects, func(in netpoll.Inbound) {
		body, err := wire.UnmarshalInvalidateObjects(in.Packet.Body)
		if err != nil {
			return
		}
		c.InvalidateAll(body.OIDs)
	})
	inbound := make(chan netpoll.Inbound, 256)
	route := handler.Route(d, table)
	go func() {
		for in := range inbound {
			route(in)
		}
	}()

	nodes := cluster.NewNodeManager()
	pt := cluster.NewPartitionTable(numPartitions, numReplicas, nodes)

	boot := &identify.ClientBootstrap{
		MasterAddrs: cfg.Masters,
		ClusterName: cfg.ClusterName,
		Dialer:      func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, 10*time.Second) },
		Dispatcher:  d,
		Inbound:     inbound,
		Nodes:       nodes,
		Partition:   pt,
	}
	res, err := boot.Run()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	identifier := (&identify.StorageHandshake{
		ClientUUID:      res.UUID,
		ClusterName:     cfg.ClusterName,
		Dispatcher:      d,
		ExpectedPrimary: func() string { return res.MasterAddr },
	}).Identify

	p := pool.New(pool.Config{
		MaxSize:    cfg.MaxPoolSize,
		Identifier: identifier,
		Inbound:    inbound,
	})

	return &txn.Engine{
		Dispatcher: d,
		Pool:       p,
		Partition:  pt,
		Nodes:      nodes,
		Cache:      c,
		Compress:   cfg.Compress,
		MasterConn: func() (*netpoll.Connection, error) { return res.MasterConn, nil },
	}, nil
}
