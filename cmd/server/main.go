package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcoin/internal/config"
	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/node"
	"github.com/ryandielhenn/zephyrcoin/pkg/overlay"
	"github.com/ryandielhenn/zephyrcoin/pkg/registry"
	"github.com/ryandielhenn/zephyrcoin/pkg/ring"
	"github.com/ryandielhenn/zephyrcoin/pkg/transport"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	cfg, envErr := config.FromEnv()
	c := &cobra.Command{
		Use:           "zephyrcoin",
		Short:         "Runs a zephyrcoin ledger node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cfg.BindFlags(c.Flags())
	return c
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.DevLog {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Identity and routing
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	coinPort, httpPort := node.Port(cfg.CoinAddr), node.Port(cfg.HTTPAddr)
	self := coin.NodeHandle{
		ID:   ids.FromName(cfg.Name),
		Addr: node.NormalizeHostPort(cfg.Advertise, coinPort),
	}
	log = log.With(zap.String("node", cfg.Name))
	log.Info("starting", zap.Stringer("id", self.ID), zap.String("addr", self.Addr), zap.String("version", version))

	hasher, err := ring.HasherByName(cfg.RingHash)
	if err != nil {
		return err
	}
	ov := overlay.New(self, ring.New(cfg.VirtualNodes, hasher), nil, log)

	// 2. Protocol engine and transport
	ecfg := coin.DefaultConfig()
	ecfg.ReplicationFactor = cfg.ReplicationFactor
	ecfg.MessageTimeout = cfg.MessageTimeout
	ecfg.Logger = log
	engine, err := coin.New(ov, ecfg)
	if err != nil {
		return err
	}
	ov.SetDeliver(engine.Deliver)
	engine.OnInbound(func(cf coin.CashFlow) {
		log.Info("received coins", zap.Int64("amount", cf.Amount), zap.Stringer("from", cf.Source))
	})

	tcp, err := transport.Listen(cfg.CoinAddr, ov.Deliver, log)
	if err != nil {
		return err
	}
	defer tcp.Close()
	ov.SetSender(tcp)

	n := node.NewNode(cfg.Name, engine, ov, log)
	n.Timeout = cfg.MessageTimeout + 5*time.Second
	me := registry.Member{
		ID:       self.ID.String(),
		Name:     cfg.Name,
		Addr:     self.Addr,
		HTTPAddr: node.NormalizeHostPort(cfg.Advertise, httpPort),
	}
	static := map[string]registry.Member{me.ID: me}
	for _, p := range cfg.Peers {
		name, addr, err := config.ParsePeer(p)
		if err != nil {
			return err
		}
		m := registry.Member{ID: ids.FromName(name).String(), Name: name, Addr: node.NormalizeHostPort(addr, coinPort)}
		static[m.ID] = m
	}
	n.SetPeers(static)

	// 3. Membership
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err := registry.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()

		leaseID, cancel, err := registry.RegisterNode(ctx, cli, me, registry.DefaultTTL, log)
		if err != nil {
			return err
		}
		defer func() {
			cancel()
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			_, _ = cli.Revoke(rctx, leaseID)
		}()

		err = registry.WatchPeers(ctx, cli, log, func(peers map[string]registry.Member) {
			for id, m := range static {
				if _, ok := peers[id]; !ok {
					peers[id] = m
				}
			}
			n.SetPeers(peers)
		})
		if err != nil {
			return err
		}
	}

	// 4. Serve
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           n.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcp.Serve(gctx) })
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	ov.Wait()
	log.Info("stopped", zap.Error(err))
	return err
}
