package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/metrics"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/transport"
	"github.com/srg/blemgr/internal/transport/goble"
	"github.com/srg/blemgr/pkg/config"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// transportFactory opens the platform transport. Tests replace it.
var transportFactory = func(logger *logrus.Logger) (transport.Transport, error) {
	return goble.New(goble.Options{Logger: logger})
}

const shutdownTimeout = 5 * time.Second

// loadConfig reads --config when given and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("store") {
		cfg.StorePath, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	return cfg, nil
}

// openStore opens the SQLite store at path, or an in-memory store when path is empty.
func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return s, nil
}

// session bundles a started manager with everything it was built from.
type session struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     store.Store
	transport transport.Transport
	registry  *prometheus.Registry
	manager   *manager.Manager
}

// openSession builds and starts a manager from cfg. tune may adjust the
// options derived from the config before the manager is created.
func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger, tune func(*manager.Options)) (_ *session, err error) {
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.release())
		}
	}()

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if s.store, err = openStore(cfg.StorePath); err != nil {
		return nil, err
	}
	if s.transport, err = transportFactory(logger); err != nil {
		return nil, err
	}

	opts.Transport = s.transport
	opts.Store = s.store
	opts.Logger = logger
	opts.Metrics = metrics.New(s.registry)
	if tune != nil {
		tune(&opts)
	}

	if s.manager, err = manager.New(opts); err != nil {
		return nil, err
	}
	if err = s.manager.Start(ctx); err != nil {
		// Start leaves the loop running on failure
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return nil, multierr.Append(err, s.manager.Close(closeCtx))
	}
	return s, nil
}

// run executes fn next to the metrics endpoint until fn returns or ctx ends.
// Context cancellation and deadline are a normal end of the run.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if s.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		return fn(runCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// close stops the manager, then releases the transport and the store.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	if s.manager != nil {
		err = multierr.Append(err, s.manager.Close(ctx))
	}
	return multierr.Append(err, s.release())
}

func (s *session) release() error {
	var err error
	if c, ok := s.transport.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	return err
}
