package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/config"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/handler"
	"github.com/cuemby/neo/internal/health"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/metrics"
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/storagedb"
	"github.com/cuemby/neo/internal/storageserver"
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
	Use:     "neo-storage",
	Short:   "NEO storage node: durable object store behind the wire protocol",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neo-storage version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "path to a cluster config YAML file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("bind-addr", "127.0.0.1:3001", "address this storage listens on for the NEO wire protocol")
	startCmd.Flags().String("master-addr", "127.0.0.1:3000", "address of a master to identify against")
	startCmd.Flags().String("data-dir", "./neo-storage-data", "directory for the bbolt database and node identity")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9101", "address to serve /metrics on")
	startCmd.Flags().String("cluster-name", "neo", "cluster name to present on identify")

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this process as a NEO storage node",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("neo-storage")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	masterAddr, _ := cmd.Flags().GetString("master-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	clusterName, _ := cmd.Flags().GetString("cluster-name")
	if clusterName != "" {
		cfg.ClusterName = clusterName
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	self, err := loadOrCreateUUID(dataDir)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	db, err := storagedb.NewBoltManager(dataDir)
	if err != nil {
		return fmt.Errorf("open storage database: %w", err)
	}
	defer db.Close()

	var primary atomic.Value
	primary.Store(masterAddr)

	srv := &storageserver.Server{
		DB:          db,
		Self:        self,
		ClusterName: cfg.ClusterName,
		PrimaryAddr: func() (string, uint16) {
			host, port, _ := splitHostPort(primary.Load().(string))
			return host, port
		},
	}

	d := dispatch.NewDispatcher()
	poller := netpoll.NewPoller(handler.Route(d, srv.Table()), func(c *netpoll.Connection) {
		_ = handler.Notify(c, wire.CAskPrimary, (&wire.AskPrimaryBody{}).Marshal())
	})
	go poller.Run()

	masterConn, ans, err := identifyToMaster(d, poller, self, cfg.ClusterName, bindAddr, masterAddr)
	if err != nil {
		return fmt.Errorf("identify to master %s: %w", masterAddr, err)
	}
	poller.Register(masterConn)
	srv.NumPartitions = ans.NumPartitions
	srv.NumReplicas = ans.NumReplicas
	logger.Info().Str("master", masterAddr).Str("self", self.String()).Msg("identified to master")

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	var connIDSeq uint64 = 1
	go acceptLoop(listener, poller, &connIDSeq)
	logger.Info().Str("addr", bindAddr).Msg("listening for master and client connections")

	hr := health.NewRegistry()
	hr.Register("storage-database", health.CheckerFunc(func(ctx context.Context) health.Result {
		now := time.Now()
		if _, err := db.TIDs(0, 0); err != nil {
			return health.Result{Healthy: false, Message: err.Error(), CheckedAt: now}
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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	poller.Stop()
	_ = listener.Close()
	return nil
}

func acceptLoop(listener net.Listener, poller *netpoll.Poller, connIDSeq *uint64) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			return
		}
		*connIDSeq++
		conn := netpoll.NewConnection(*connIDSeq, netpoll.RolePeerClient, raw, poller.Inbound())
		poller.Register(conn)
	}
}

// identifyToMaster performs the direct RequestIdentification/AcceptIdentification
// exchange a storage node uses to join the cluster (§4.7's storage-side
// variant): one round trip, no roster or partition table fetch, since a
// storage answers queries about its own data rather than routing on
// others'.
func identifyToMaster(d *dispatch.Dispatcher, poller *netpoll.Poller, self cluster.UUID, clusterName, bindAddr, masterAddr string) (*netpoll.Connection, *wire.AcceptIdentificationBody, error) {
	raw, err := net.Dial("tcp", masterAddr)
	if err != nil {
		return nil, nil, err
	}
	conn := netpoll.NewConnection(1, netpoll.RolePeerMaster, raw, poller.Inbound())

	host, port, err := splitHostPort(bindAddr)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	queue := make(chan dispatch.Reply, 4)
	msgID := conn.NextMsgID()
	d.Register(conn, msgID, queue)
	req := &wire.RequestIdentificationBody{
		Role: wire.RoleStorage, UUID: self, Address: host, Port: port, ClusterName: clusterName,
	}
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CRequestIdentification, Body: req.Marshal()}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if pkt.Code == wire.CNotReady {
		conn.Close()
		return nil, nil, neoerr.New(neoerr.KindNodeNotReady, "master not ready to identify this storage")
	}
	ans, err := wire.UnmarshalAcceptIdentification(pkt.Body)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ans, nil
}

func loadOrCreateUUID(dataDir string) (cluster.UUID, error) {
	path := filepath.Join(dataDir, "node-id")
	if data, err := os.ReadFile(path); err == nil {
		if parsed, err := uuid.Parse(string(data)); err == nil {
			return cluster.UUID(parsed), nil
		}
	}
	fresh := cluster.NewUUID()
	if err := os.WriteFile(path, []byte(fresh.String()), 0o644); err != nil {
		return cluster.UUID{}, err
	}
	return fresh, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
