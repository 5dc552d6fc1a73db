package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/procmon/binary"
	"github.com/jnesss/procmon/config"
	"github.com/jnesss/procmon/control"
	"github.com/jnesss/procmon/database"
	"github.com/jnesss/procmon/engine"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/process"
	"github.com/jnesss/procmon/sigma"
	"github.com/jnesss/procmon/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring engine",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("source", config.SourcePoll, "lifecycle source: poll, ebpf or none")
	f.Duration("poll-interval", 0, "process table sampling interval for the poll source")
	f.String("bpf-object", "", "compiled eBPF object for the ebpf source")
	f.String("store", "", "configuration store: registry, none, yaml:<file> or sqlite:<file>")
	f.String("http", "", "HTTP API listen address, empty to disable")
	f.String("rules", "", "Sigma rules directory for the HTTP API")
	f.String("db", "", "SQLite file recording events drained through the HTTP API")

	v.BindPFlag("source", f.Lookup("source"))
	v.BindPFlag("poll_interval", f.Lookup("poll-interval"))
	v.BindPFlag("bpf_object", f.Lookup("bpf-object"))
	v.BindPFlag("store", f.Lookup("store"))
	v.BindPFlag("http.listen", f.Lookup("http"))
	v.BindPFlag("rules_dir", f.Lookup("rules"))
	v.BindPFlag("database", f.Lookup("db"))
}

// openStore resolves the configured store. The returned closer is never nil.
func openStore(spec string) (platform.ConfigStore, func() error, error) {
	noop := func() error { return nil }

	kind, path, err := config.ParseStore(spec)
	if err != nil {
		return nil, noop, err
	}
	switch kind {
	case config.StoreRegistry:
		return platform.NewRegistry(), noop, nil
	case config.StoreYAML:
		store, err := platform.LoadYAMLFile(path)
		return store, noop, err
	case config.StoreSQLite:
		db, err := database.NewDB(path)
		if err != nil {
			return nil, noop, err
		}
		return database.NewSnapshot(db), db.Close, nil
	}
	return platform.NewMemStore(), noop, nil
}

func newSource(c *config.Config) platform.LifecycleSource {
	switch c.Source {
	case config.SourcePoll:
		return process.NewPollSource(process.NewLister(), c.PollInterval, logger.Named("poll"))
	case config.SourceEBPF:
		return platform.NewBPFSource(c.BPFObject, logger.Named("bpf"))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open configuration store: %w", err)
	}
	defer closeStore()

	hasher, err := binary.NewCachedHasher(cfg.HashCacheSize, afero.NewOsFs())
	if err != nil {
		return err
	}

	e := engine.New(engine.Config{
		Source:     newSource(cfg),
		Store:      store,
		Modules:    platform.NewModuleLister(),
		Hasher:     hasher,
		SystemRoot: cfg.SystemRoot,
		Logger:     logger.Named("engine"),
		Metrics:    m,
	})
	if err := e.Start(); err != nil {
		return err
	}
	defer func() {
		if err := e.Stop(); err != nil {
			logger.Error("Failed to stop engine", zap.Error(err))
		}
	}()

	errc := make(chan error, 2)

	srv := control.NewServer(e, cfg.MaxRequestBytes, logger.Named("control"))
	go func() { errc <- srv.ListenAndServe(ctx, cfg.Socket) }()
	logger.Info("Control socket listening", zap.String("socket", cfg.Socket))

	if cfg.HTTP.Listen != "" {
		ws, cleanup, err := newWebServer(ctx, e, m)
		if err != nil {
			return err
		}
		defer cleanup()
		go func() { errc <- ws.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

func newWebServer(ctx context.Context, h control.Handler, m *metrics.Metrics) (*web.Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	wc := web.Config{
		Handler:      h,
		Metrics:      m,
		Logger:       logger.Named("web"),
		ListenAddr:   cfg.HTTP.Listen,
		DefaultLimit: cfg.HTTP.DefaultLimit,
		Development:  cfg.Log.Development,
	}

	if cfg.RulesDir != "" {
		d, err := sigma.NewDetector(cfg.RulesDir, logger.Named("sigma"), m)
		if err != nil {
			return nil, cleanup, err
		}
		if err := d.Watch(ctx); err != nil {
			logger.Warn("Rule reload disabled", zap.Error(err))
		}
		closers = append(closers, d.Close)
		wc.Detector = d
	}

	if cfg.Database != "" {
		db, err := database.NewDB(cfg.Database)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, db.Close)
		wc.DB = db
	}

	return web.NewServer(wc), cleanup, nil
}
