package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"ingest/internal/cluster"
	"ingest/internal/config"
	"ingest/internal/node"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/storage"
)

func serveCommand(logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a data node",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "river",
				Usage: "track a river as name or name=cron",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			rivers, err := parseRivers(c.StringSlice("river"))
			if err != nil {
				return err
			}
			return serve(c.Context, cfg, rivers, logger)
		},
	}
}

func parseRivers(values []string) ([]river.State, error) {
	out := make([]river.State, 0, len(values))
	for _, v := range values {
		name, schedule, _ := strings.Cut(v, "=")
		if name == "" {
			return nil, errors.Errorf("invalid river %q", v)
		}
		out = append(out, river.State{Name: name, Type: "ndjson", Enabled: true, Schedule: schedule})
	}
	return out, nil
}

func serve(ctx context.Context, cfg config.Config, rivers []river.State, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes, err := cfg.RingNodes()
	if err != nil {
		return err
	}
	opener := storage.MemoryOpener()
	if cfg.Node.DataDir != "" {
		opener = storage.PebbleOpener(cfg.Node.DataDir, cfg.Node.SyncWrites)
	}
	n, err := node.New(node.Config{
		ID:               cfg.Node.ID,
		ListenAddr:       cfg.Node.ListenAddr,
		Seeds:            nodes[1:],
		VNodes:           cfg.Node.VNodes,
		ProbeInterval:    cfg.Node.ProbeInterval,
		SuspectTimeout:   cfg.Node.SuspectTimeout,
		RefreshTick:      cfg.Node.RefreshTick,
		RecoveryInterval: cfg.Node.RecoveryInterval,
		IndexDefaults:    cluster.IndexMeta{Shards: cfg.Index.Shards, Replicas: cfg.Index.Replicas, RefreshInterval: cfg.Index.RefreshInterval},
		Policy:           quorum.Policy{SingleNodeBypass: cfg.Node.SingleNodeBypass},
		Opener:           opener,
		Registerer:       prometheus.DefaultRegisterer,
		Rivers:           rivers,
	}, logger)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return err
	}

	var metrics *http.Server
	if cfg.Node.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: cfg.Node.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithField("action", "metrics").WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	<-ctx.Done()
	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}
	return n.Stop()
}
