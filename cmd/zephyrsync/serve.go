package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrsync/internal/config"
	"github.com/ryandielhenn/zephyrsync/internal/logging"
	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/discovery"
	"github.com/ryandielhenn/zephyrsync/pkg/membership"
	"github.com/ryandielhenn/zephyrsync/pkg/node"
	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
	"github.com/ryandielhenn/zephyrsync/pkg/view"
)

const shutdownTimeout = 10 * time.Second

// flagKeys maps serve flags to configuration keys.
var flagKeys = map[string]string{
	"id":          "node.id",
	"sync-addr":   "node.sync_addr",
	"advertise":   "node.advertise",
	"http-addr":   "http.addr",
	"tick":        "sync.tick_interval",
	"fanout":      "sync.fanout",
	"view-ttl":    "view.ttl",
	"heartbeat":   "view.heartbeat_interval",
	"discovery":   "discovery.mode",
	"etcd":        "discovery.etcd.endpoints",
	"seeds":       "discovery.memberlist.seeds",
	"gossip-port": "discovery.memberlist.bind_port",
	"peers":       "discovery.static.peers",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Run a sync node: join the cluster through the configured discovery
mode, keep sync sessions to ring neighbors and serve the HTTP API.

Example:
  zephyrsync serve --discovery static --id a --sync-addr 127.0.0.1:7001 \
    --http-addr :8081 --peers b=127.0.0.1:7002`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides, err := changedFlags(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath, overrides)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	f.String("id", "", "node id (default: random uuid)")
	f.String("sync-addr", "", "QUIC listen address for sync sessions")
	f.String("advertise", "", "sync address published to discovery")
	f.String("http-addr", "", "HTTP listen address")
	f.Duration("tick", 0, "reporter poll interval")
	f.Int("fanout", 0, "ring successors each node links to")
	f.Duration("view-ttl", 0, "expire view entries not refreshed for this long")
	f.Duration("heartbeat", 0, "republish unchanged local state this often (below --view-ttl)")
	f.String("discovery", "", "discovery mode: etcd, memberlist or static")
	f.StringSlice("etcd", nil, "etcd endpoints")
	f.StringSlice("seeds", nil, "memberlist seed addresses")
	f.Int("gossip-port", 0, "memberlist bind port")
	f.StringSlice("peers", nil, "static peers as id=addr")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "console or json")
	return cmd
}

// changedFlags returns config overrides for the flags set on the command
// line.
func changedFlags(fs *pflag.FlagSet) (map[string]any, error) {
	out := map[string]any{}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if f.Value.Type() == "stringSlice" {
			v, e := fs.GetStringSlice(f.Name)
			err = multierr.Append(err, e)
			out[key] = v
			return
		}
		out[key] = f.Value.String()
	})
	return out, err
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	undo := zap.ReplaceGlobals(log)
	defer undo()

	telemetry.SetBuildInfo(version, gitSHA)
	id := syncer.NodeID(cfg.Node.ID)
	log = log.With(zap.String("node_id", cfg.Node.ID))
	log.Info("starting",
		zap.String("version", version),
		zap.String("sync_addr", cfg.Node.SyncAddr),
		zap.String("advertise", cfg.Node.Advertise),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("discovery", cfg.Discovery.Mode))

	// 1. Sync core, view and local reporters
	s := syncer.New(id, syncer.WithLogger(log))
	store := view.NewStore(cfg.View.Capacity, cfg.View.TTL)
	n, err := node.New(s, store, cfg.HTTP.Addr, log)
	if err != nil {
		return err
	}

	// 2. Transport
	qt := transport.NewQUICTransport(id, transport.QUICConfig{MaxFrameSize: cfg.Sync.MaxFrame}, log)
	ln, err := qt.Listen(cfg.Node.SyncAddr)
	if err != nil {
		return err
	}

	mgr := membership.New(s, membership.QUICDialer(qt), membership.Config{
		Fanout:    cfg.Sync.Fanout,
		DialEvery: cfg.Sync.DialInterval,
	}, log)
	mgr.OnDepart(n.ForgetNode)

	g, gctx := errgroup.WithContext(ctx)

	// 3. Accept inbound sessions
	g.Go(func() error {
		return ln.Serve(gctx, func(remote syncer.NodeID, fs *transport.FramedStream) {
			if _, err := s.Connect(context.Background(), remote, fs); err != nil {
				log.Warn("inbound session rejected", zap.String("peer", string(remote)), zap.Error(err))
				_ = fs.Close()
			}
		})
	})

	// 4. Discovery feeds membership
	stopDiscovery, err := startDiscovery(gctx, g, cfg, mgr.Update, log)
	if err != nil {
		_ = ln.Close()
		return err
	}

	// 5. Periodic work
	g.Go(func() error { return ignoreCanceled(s.Run(gctx, cfg.Sync.TickInterval)) })
	g.Go(func() error { return ignoreCanceled(mgr.Run(gctx, cfg.Sync.ReconcileInterval)) })
	g.Go(func() error { n.SweepLoop(gctx, cfg.View.SweepInterval); return nil })
	g.Go(func() error { n.HeartbeatLoop(gctx, cfg.View.HeartbeatInterval); return nil })

	// 6. HTTP API
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs error
		errs = multierr.Append(errs, stopDiscovery(sctx))
		errs = multierr.Append(errs, srv.Shutdown(sctx))
		mgr.Close()
		s.Stop()
		errs = multierr.Append(errs, ln.Close())
		return errs
	})

	return g.Wait()
}

func startDiscovery(ctx context.Context, g *errgroup.Group, cfg *config.Config, update discovery.PeersFunc, log *zap.Logger) (func(context.Context) error, error) {
	switch cfg.Discovery.Mode {
	case config.ModeStatic:
		peers, err := cfg.StaticPeers()
		if err != nil {
			return nil, err
		}
		update(peers)
		return func(context.Context) error { return nil }, nil

	case config.ModeMemberlist:
		mc := cfg.Discovery.Memberlist
		gossip, err := discovery.NewGossip(discovery.GossipConfig{
			NodeID:   cfg.Node.ID,
			BindAddr: mc.BindAddr,
			BindPort: mc.BindPort,
			SyncAddr: cfg.Node.Advertise,
			Seeds:    mc.Seeds,
		}, log)
		if err != nil {
			return nil, err
		}
		gossip.OnChange(update)
		return func(context.Context) error {
			return multierr.Combine(gossip.Leave(time.Second), gossip.Shutdown())
		}, nil

	case config.ModeEtcd:
		ec := cfg.Discovery.Etcd
		log.Info("creating etcd client", zap.Strings("endpoints", ec.Endpoints))
		cli, err := discovery.NewClient(ec.Endpoints, ec.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		reg, err := discovery.RegisterNode(ctx, cli, ec.Prefix, cfg.Node.ID, cfg.Node.Advertise, ec.LeaseTTL, log)
		if err != nil {
			_ = cli.Close()
			return nil, err
		}
		log.Info("registered with etcd", zap.String("prefix", ec.Prefix), zap.Int64("lease", int64(reg.LeaseID())))
		g.Go(func() error {
			return ignoreCanceled(discovery.WatchPeers(ctx, cli, ec.Prefix, update, log))
		})
		return func(sctx context.Context) error {
			return multierr.Append(reg.Close(sctx), cli.Close())
		}, nil
	}
	return nil, fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
