// Command provider runs a provider process with a small demo function table.
// The supervisor launches it with THINKNODE_HOST, THINKNODE_PORT and
// THINKNODE_PID set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ipc-provider/config"
	"ipc-provider/loadbalance"
	"ipc-provider/logging"
	"ipc-provider/metrics"
	"ipc-provider/provider"
	"ipc-provider/registry"
	"ipc-provider/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "provider: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New("provider", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	opts := []provider.Option{
		provider.WithLogger(log),
		provider.WithMetrics(m),
	}
	if cfg.Discovery.Enabled() {
		etcd, err := registry.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout)
		if err != nil {
			return err
		}
		defer etcd.Close()
		balancer, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			return err
		}
		log.Info().
			Strs("endpoints", cfg.Discovery.Endpoints).
			Str("service", cfg.Discovery.Service).
			Str("balancer", balancer.Name()).
			Msg("discovering supervisor")
		opts = append(opts, provider.WithResolver(&transport.RegistryResolver{
			Registry: etcd,
			Balancer: balancer,
			Service:  cfg.Discovery.Service,
			Key:      cfg.PID,
		}))
	}

	p := provider.New(cfg, demoTable(), opts...)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			return metrics.Serve(gctx, cfg.MetricsAddr, reg)
		})
	}
	g.Go(func() error {
		defer cancel()
		return p.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
