package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/archive"
	"github.com/meshforge/fabricd/internal/auth"
	"github.com/meshforge/fabricd/internal/config"
	"github.com/meshforge/fabricd/internal/dispatcher"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/gossip"
	"github.com/meshforge/fabricd/internal/hashcrack/coordinator"
	"github.com/meshforge/fabricd/internal/hashcrack/worker"
	"github.com/meshforge/fabricd/internal/mailbox"
	"github.com/meshforge/fabricd/internal/runtime"
	"github.com/meshforge/fabricd/internal/solutions"
	"github.com/meshforge/fabricd/internal/transport"
	"github.com/meshforge/fabricd/pkg/metrics"
)

// exitCode mirrors the CLI surface's documented exit codes (spec §6).
type exitCode int

const (
	exitClean            exitCode = 0
	exitBadArguments     exitCode = 2
	exitHandshakeFailed  exitCode = 3
	exitArchiveUnreadable exitCode = 4
)

// node bundles every component a fabricd process wires together,
// regardless of whether it is running as a coordinator or a worker.
type node struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	archiveStore *archive.FileStore
	authSvc      *auth.Service
	registry     *gossip.Registry
	client       *transport.Client
	rt           *runtime.Runtime
	disp         *dispatcher.Dispatcher
	mbox         *mailbox.Mailbox
	srv          *transport.Server
	httpSrv      *http.Server

	coord *coordinator.Coordinator // set for "coordinator"
	wrk   *worker.Worker           // set for "worker"
	repo  solutions.Repository     // set for "coordinator" when Database.Host is configured
}

// bootstrap wires every ambient and domain component for one node process.
// seedEndpoint is the worker's --coord address; empty for a coordinator,
// which has no upstream peer to join through.
func bootstrap(cfg *config.Config, role fabric.Role, seedEndpoint string, logger *zap.Logger) (*node, exitCode, error) {
	archiveStore, err := archive.NewFileStore(cfg.Fabric.ArchiveDir, logger)
	if err != nil {
		return nil, exitArchiveUnreadable, fmt.Errorf("open archive: %w", err)
	}

	priv, err := loadOrCreateKeypair(cfg.Fabric.ArchiveDir, cfg.Fabric.NodeID)
	if err != nil {
		return nil, exitArchiveUnreadable, fmt.Errorf("load node identity: %w", err)
	}
	trust, err := loadTrustBundle(cfg.Fabric.ArchiveDir)
	if err != nil {
		return nil, exitArchiveUnreadable, fmt.Errorf("load trust bundle: %w", err)
	}

	authCfg := auth.DefaultConfig(cfg.JWT.Secret)
	authCfg.Issuer = cfg.JWT.Issuer
	authCfg.SkewAllowed = cfg.Fabric.TokenSkew
	if cfg.JWT.ExpirationTime > 0 {
		authCfg.TokenTTL = cfg.JWT.ExpirationTime
	}
	authSvc := auth.NewService(authCfg, trust)

	if raw, err := archiveStore.Get(authBlacklistKey); err == nil {
		var snap map[string]time.Time
		if json.Unmarshal(raw, &snap) == nil {
			authSvc.Restore(snap)
		}
	}

	m := metrics.NewMetrics()
	holder := &tokenHolder{}
	client := transport.NewClient(holder.Get)

	if err := authenticate(context.Background(), holder, authSvc, client, priv, cfg.Fabric.NodeID, role, seedEndpoint, authCfg.TokenTTL, logger); err != nil {
		if seedEndpoint != "" {
			return nil, exitHandshakeFailed, fmt.Errorf("handshake with %s failed: %w", seedEndpoint, err)
		}
		return nil, exitBadArguments, fmt.Errorf("self-issue token: %w", err)
	}

	self := fabric.NodeRecord{
		NodeID:   cfg.Fabric.NodeID,
		Role:     role,
		Endpoint: cfg.Fabric.Endpoint,
		Services: map[string]fabric.ServiceDescriptor{},
		Metadata: map[string]any{},
	}
	gossipCfg := gossip.Config{
		Period:         cfg.Fabric.GossipPeriod,
		Fanout:         cfg.Fabric.GossipFanout,
		AliveThreshold: cfg.Fabric.AliveThreshold,
		DeadThreshold:  cfg.Fabric.DeadThreshold,
		SnapshotPeriod: cfg.Fabric.SnapshotPeriod,
		DeadGrace:      5 * time.Minute,
	}
	registry := gossip.NewRegistry(self, gossipCfg, client, archiveStore, logger).WithMetrics(m)

	// A worker joining through --coord seeds its view from the
	// coordinator so the first gossip tick already has a live peer.
	if seedEndpoint != "" {
		if err := registry.Join(context.Background(), seedEndpoint); err != nil {
			return nil, exitHandshakeFailed, fmt.Errorf("initial gossip exchange with %s failed: %w", seedEndpoint, err)
		}
	}

	rt := runtime.New(runtime.Config{InitTimeout: cfg.Fabric.InitTimeout, CleanupTimeout: cfg.Fabric.InitTimeout}, registry, m, logger)
	disp := dispatcher.New(dispatcher.Config{
		MaxInFlight:      cfg.Fabric.BroadcastMaxInFlight,
		BroadcastTimeout: cfg.Fabric.RPCTimeout,
		RPCTimeout:       cfg.Fabric.RPCTimeout,
	}, rt, registry, client, logger)
	mbox := mailbox.New(cfg.Fabric.LongPollTimeout)

	srv := transport.NewServer(transport.Config{
		Auth:       authSvc,
		Gossip:     registry,
		Mailbox:    mbox,
		Dispatcher: disp,
		Logger:     logger,
		LongPoll:   cfg.Fabric.LongPollTimeout,
		Metrics:    m,
		RateLimit:  cfg.RateLimit,
	})

	n := &node{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		archiveStore: archiveStore,
		authSvc:      authSvc,
		registry:     registry,
		client:       client,
		rt:           rt,
		disp:         disp,
		mbox:         mbox,
		srv:          srv,
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      srv.Handler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	return n, exitClean, nil
}

// authBlacklistKey is the archive key the auth service's revocation
// blacklist is persisted under between restarts.
const authBlacklistKey = "auth_blacklist"

// startCoordinator loads the Hash Coordinator (C7) service into the
// runtime and starts the gossip loop; the HTTP surface is started by run.
func (n *node) startCoordinator(ctx context.Context) error {
	n.registry.Start()

	coordCfg := coordinator.Config{
		ProgressTick:     n.cfg.Fabric.ProgressTick,
		OrphanScanPeriod: n.cfg.Fabric.OrphanScanPeriod,
		OrphanTimeout:    n.cfg.Fabric.OrphanTimeout,
		LookaheadBatches: n.cfg.Fabric.LookaheadBatches,
		RetentionBatches: n.cfg.Fabric.RetentionBatches,
	}
	n.coord = coordinator.New(coordCfg, n.registry, n.logger).WithMetrics(n.metrics)
	svc := coordinator.NewService(n.coord)

	// The Solutions Repository (C9) is optional: a coordinator with no
	// Postgres configured still runs, it just keeps solutions only in its
	// in-memory job state and gossip sightings.
	if n.cfg.Database.Host != "" {
		repo, err := solutions.NewRepository(n.cfg, n.logger)
		if err != nil {
			n.logger.Warn("solutions repository unavailable, continuing without durable persistence", zap.Error(err))
		} else {
			n.repo = repo
			svc = svc.WithRepository(repo, n.logger)
		}
	}

	if err := n.rt.Load(ctx, svc, n.disp); err != nil {
		return fmt.Errorf("load hash_coordinator service: %w", err)
	}
	return nil
}

// startWorker loads and starts the Hash Worker (C8) supervisor. The worker
// itself exposes no RPC methods (§4.8.1: it observes, it is not pushed to),
// so it is driven directly rather than through the Service Runtime.
func (n *node) startWorker() {
	workerCfg := worker.DefaultConfig(n.cfg.Fabric.NodeID)
	reporter := worker.NewRPCReporter(n.cfg.Fabric.NodeID, n.registry, n.disp)
	n.wrk = worker.New(workerCfg, n.registry, reporter, n.logger)
	n.wrk.Start()
	n.registry.Start()
}

// shutdown stops every background loop in reverse dependency order and
// flushes the auth blacklist and gossip snapshot into the archive.
func (n *node) shutdown(ctx context.Context) {
	if n.wrk != nil {
		n.wrk.Stop()
	}
	n.rt.Shutdown(ctx)
	n.registry.Stop()
	if n.repo != nil {
		if err := n.repo.Close(); err != nil && n.logger != nil {
			n.logger.Warn("failed to close solutions repository", zap.Error(err))
		}
	}
	if snap, err := json.Marshal(n.authSvc.Snapshot()); err == nil {
		if err := n.archiveStore.Put(authBlacklistKey, snap); err != nil && n.logger != nil {
			n.logger.Warn("failed to persist auth blacklist", zap.Error(err))
		}
	}
	n.authSvc.Close()
}
