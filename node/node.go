// Package node assembles a cluster member from its configuration: the
// directory, failure detector, reconfiguration manager, replication writer,
// peer transport, admin API and optional event publishing.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/admin"
	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/detector"
	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/epochstore"
	"github.com/anor-rs/anor-cluster/grpc"
	"github.com/anor-rs/anor-cluster/publisher"
	"github.com/anor-rs/anor-cluster/reconfig"
	"github.com/anor-rs/anor-cluster/replication"
	"github.com/anor-rs/anor-cluster/responder"
	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/store"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/workerpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	// sink factories
	_ "github.com/anor-rs/anor-cluster/publisher/sink"
)

const (
	expiryInterval  = time.Second
	metricsInterval = 5 * time.Second
	stopTimeout     = 10 * time.Second
)

// Node is one running cluster member
type Node struct {
	config *cfg.Configuration
	local  topology.NodeDescriptor

	Directory *directory.Directory
	Manager   *reconfig.Manager
	Store     *store.Store
	Writer    *replication.Writer
	Sweeper   *replication.Sweeper
	Migrator  *reconfig.Migrator
	Detector  *detector.Detector
	Responder *responder.Responder

	client    *grpc.Client
	server    *grpc.Server
	listener  net.Listener
	epochs    *epochstore.Store
	pool      *workerpool.Pool
	events    *publisher.Registry
	recorder  *publisher.Recorder
	collector *telemetry.MetricsCollector

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

type Option func(*Node)

// WithListener serves on an already bound listener instead of the
// configured bind address.
func WithListener(l net.Listener) Option {
	return func(n *Node) { n.listener = l }
}

// New builds every component. Nothing talks to the network until Start.
func New(config *cfg.Configuration, opts ...Option) (n *Node, err error) {
	policy, err := config.RedundancyPolicy()
	if err != nil {
		return nil, fmt.Errorf("invalid redundancy policy: %w", err)
	}
	hasher, err := ring.HasherByName(config.Cluster.Hash)
	if err != nil {
		return nil, err
	}

	n = &Node{config: config, local: config.LocalDescriptor()}
	for _, opt := range opts {
		opt(n)
	}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if n.epochs, err = epochstore.Open(config.EpochStorePath()); err != nil {
		return nil, err
	}
	if err := n.epochs.SaveLocal(n.local); err != nil {
		return nil, fmt.Errorf("failed to save local descriptor: %w", err)
	}
	initial, err := n.initialConfig(policy)
	if err != nil {
		return nil, err
	}

	grpc.SetCompressionLevel(config.GRPC.CompressionLevel)
	n.client = grpc.NewClient(n.local.ID, grpc.ClientConfig{
		KeepaliveTime:    time.Duration(config.GRPC.KeepaliveTimeSeconds) * time.Second,
		KeepaliveTimeout: time.Duration(config.GRPC.KeepaliveTimeoutSeconds) * time.Second,
		MaxMessageBytes:  config.GRPC.MaxMessageMB << 20,
	})

	n.Directory = directory.New(n.local)
	n.Manager = reconfig.NewManager(n.Directory, n.client, initial,
		reconfig.ConfigFromCluster(config.Cluster),
		reconfig.WithPersister(n.epochs),
		reconfig.WithRingOptions(ring.WithHasher(hasher), ring.WithTokensPerWeight(config.Cluster.TokensPerWeight)),
	)

	n.Store = store.New()
	coord := replication.NewCoordinator(n.Manager, n.Directory)
	n.Writer = replication.NewWriter(n.local.ID, coord, n.Store, n.client, cfg.Millis(config.Redundancy.TransferTimeoutMS))
	n.Sweeper = replication.NewSweeper(n.Writer, cfg.Millis(config.Redundancy.SweepIntervalMS))

	n.pool = workerpool.New(workerpool.Config{Name: "migrate", MaxWorkers: int(config.Node.ThreadsMax)})
	n.Migrator = reconfig.NewMigrator(n.Writer, n.Manager, n.pool, cfg.Millis(config.Redundancy.MigrationTimeoutMS))
	n.Manager.Subscribe(n.Migrator.OnChange)

	n.Detector = detector.New(n.Directory, n.client, detector.ConfigFromCluster(config.Cluster, int(config.Node.ThreadsMax)))

	if n.Responder, err = responder.New(n.Manager, responder.DefaultCacheSize); err != nil {
		return nil, err
	}

	n.server = grpc.NewServer(grpc.ServerConfig{
		NodeID:           n.local.ID,
		ListenAddress:    config.ListenAddress(),
		KeepaliveTime:    time.Duration(config.GRPC.KeepaliveTimeSeconds) * time.Second,
		KeepaliveTimeout: time.Duration(config.GRPC.KeepaliveTimeoutSeconds) * time.Second,
		MaxMessageBytes:  config.GRPC.MaxMessageMB << 20,
	}, n.Manager, n.Writer, n.Store.Load)
	handlers := admin.NewHandlers(n.Directory, n.Manager, n.Writer)
	n.server.SetHTTPHandler(admin.NewRouter(handlers, n.Responder.Middleware))
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		n.server.SetMetricsHandler(metrics)
	}

	// local usage feeds placement the same way peer heartbeats do
	n.Writer.OnChange(n.reportLocalLoad)

	if config.Publisher.Enabled {
		n.events, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir: config.DataDir,
			Config:  config.Publisher,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		n.recorder = publisher.NewRecorder(n.local.ID, n.events, config.Publisher.BufferSize)
		n.recorder.Attach(n.Directory, n.Manager)
	}

	n.collector = telemetry.NewMetricsCollector(metricsInterval, n.Writer)
	return n, nil
}

// initialConfig resumes from the persisted configuration when it still
// includes this node, otherwise bootstraps a single-node cluster.
func (n *Node) initialConfig(policy topology.RedundancyPolicy) (*topology.ClusterConfig, error) {
	saved, err := n.epochs.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load saved configuration: %w", err)
	}
	if saved != nil && saved.Contains(n.local.ID) {
		log.Info().
			Uint64("epoch", saved.Epoch).
			Int("nodes", saved.Len()).
			Msg("Resuming from saved cluster configuration")
		return saved, nil
	}
	return reconfig.Bootstrap(n.local, policy), nil
}

func (n *Node) reportLocalLoad() {
	n.Directory.ReportLoad(n.local.ID, n.Store.Load(n.server.Connections()))
}

// Start serves the cluster port, joins the seeds and runs the background
// loops until Stop.
func (n *Node) Start(ctx context.Context) error {
	var err error
	if n.listener == nil {
		if n.listener, err = net.Listen("tcp", n.config.ListenAddress()); err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	if err := n.server.StartOn(n.listener); err != nil {
		return err
	}

	if n.events != nil {
		if err := n.events.Start(); err != nil {
			return err
		}
	}

	if err := n.Manager.Join(ctx, n.config.Cluster.SeedNodes); err != nil {
		if errors.Is(err, reconfig.ErrJoinRejected) {
			return err
		}
		log.Warn().Err(err).Msg("Failed to join cluster, running with local configuration")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.Manager.Run(gctx) })
	g.Go(func() error { return n.Detector.Run(gctx) })
	g.Go(func() error { return n.Sweeper.Run(gctx) })
	g.Go(func() error { return n.Migrator.Run(gctx) })
	g.Go(func() error { return n.expireLoop(gctx) })
	n.group = g
	n.collector.Start()
	n.reportLocalLoad()

	log.Info().
		Uint64("node_id", uint64(n.local.ID)).
		Str("address", n.local.Address).
		Uint64("epoch", n.Manager.Epoch()).
		Str("data_dir", n.config.DataDir).
		Msg("Node is operational")
	return nil
}

func (n *Node) expireLoop(ctx context.Context) error {
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := n.Store.Expire(); removed > 0 {
				log.Debug().Int("items", removed).Msg("Expired items")
				n.reportLocalLoad()
			}
		}
	}
}

// Addr is the address the cluster port is bound to
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) LocalID() topology.NodeID {
	return n.local.ID
}

// Stop stops the loops and releases every resource
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		log.Info().Msg("Stopping node")
		if n.cancel != nil {
			n.cancel()
			if err := n.group.Wait(); err != nil {
				log.Warn().Err(err).Msg("Background loop failed")
			}
			n.collector.Stop()
		}
		if n.server != nil && n.listener != nil {
			n.server.Stop()
		}
		n.close()
	})
}

func (n *Node) close() {
	if n.recorder != nil {
		n.recorder.Stop()
	}
	if n.events != nil {
		n.events.Stop()
	}
	if n.pool != nil {
		if err := n.pool.Stop(stopTimeout); err != nil {
			log.Warn().Err(err).Msg("Worker pool did not stop cleanly")
		}
	}
	if n.client != nil {
		n.client.Close()
	}
	if n.epochs != nil {
		if err := n.epochs.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close epoch store")
		}
	}
}
