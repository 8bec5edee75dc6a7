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

	"github.com/projectdiscovery/goflags"
	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/config"
	"github.com/hitushen/portpeek/internal/discovery"
	"github.com/hitushen/portpeek/internal/killer"
	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/monitor"
	"github.com/hitushen/portpeek/internal/realtime"
	"github.com/hitushen/portpeek/internal/server"
	"github.com/hitushen/portpeek/internal/store"
)

func main() {
	opts := parseOptions()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := opts.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		os.Exit(1)
	}

	root := logger.New(cfg.LogLevel, cfg.LogFormat)
	log := root.WithField("prefix", "main")
	engine := newEngine(cfg, root)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Once {
		prefs := cfg.InitialPreferences()
		if err := runOnce(ctx, os.Stdout, engine, prefs, opts.JSON); err != nil {
			log.WithError(err).Error("scan failed")
			os.Exit(2)
		}
		return
	}

	if err := serve(ctx, cfg, opts, engine, root); err != nil {
		log.WithError(err).Fatal("portpeek stopped")
	}
}

func newEngine(cfg *config.Config, root *logrus.Logger) *discovery.Engine {
	log := root.WithField("prefix", "discovery")
	var prober discovery.Prober
	if cfg.ProbeBackend == config.ProbeNaabu {
		prober = discovery.NewNaabuProber(cfg.ProbeTimeout)
	} else {
		prober = discovery.NewDialProber(cfg.ProbeTimeout, log)
	}
	user := ""
	if cfg.CurrentUserOnly {
		user = discovery.CurrentUser()
	}
	return discovery.New(discovery.Options{
		Inspector: discovery.NewLsofInspector(cfg.InvocationTimeout),
		Prober:    prober,
		User:      user,
		FailFast:  cfg.FailFast,
		Logger:    log,
	})
}

func serve(ctx context.Context, cfg *config.Config, opts *options, engine *discovery.Engine, root *logrus.Logger) error {
	log := root.WithField("prefix", "main")

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.EnsureAdmin(initCtx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	prefs, err := st.EnsurePreferences(initCtx, cfg.InitialPreferences())
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	// 命令行显式指定的端口与间隔优先于已保存的偏好。
	if opts.Ports != "" || opts.Interval > 0 {
		if opts.Ports != "" {
			prefs.WatchedPorts = cfg.Watched
		}
		if opts.Interval > 0 {
			prefs.RefreshInterval = cfg.RefreshInterval
		}
		if prefs, err = st.SavePreferences(initCtx, prefs); err != nil {
			return fmt.Errorf("save preferences: %w", err)
		}
	}

	broker := realtime.NewBroker()
	mon := monitor.New(engine, monitor.Options{
		Recorder:     st,
		Publisher:    broker,
		Logger:       root.WithField("prefix", "monitor"),
		HistoryLimit: cfg.HistoryLimit,
		Preferences:  prefs,
	})
	seedMonitor(initCtx, mon, st, log)
	mon.Start()
	defer mon.Close()

	srv := server.New(server.Options{
		Config:  cfg,
		Store:   st,
		Scanner: mon,
		Killer:  killer.New(root.WithField("prefix", "killer")),
		Broker:  broker,
		Logger:  root.WithField("prefix", "server"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("PortPeek listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 优雅地关闭服务
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down...")

	// 先关闭事件流，否则 SSE 连接会阻塞 Shutdown。
	broker.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	return nil
}

func seedMonitor(ctx context.Context, mon *monitor.Monitor, st *store.Store, log *logrus.Entry) {
	latest, err := st.LatestScan(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("load latest scan failed")
		}
		return
	}
	success, err := st.LastSuccessfulScan(ctx)
	if err != nil {
		mon.Seed(&latest, nil)
		return
	}
	mon.Seed(&latest, &success)
}

// options 是命令行参数，非零值覆盖环境变量配置。
type options struct {
	Once     bool
	JSON     bool
	Ports    string
	Addr     string
	DBPath   string
	Interval time.Duration
	LogLevel string
}

func parseOptions() *options {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("PortPeek reports which watched local TCP ports are listening and which process owns them.")

	flagSet.CreateGroup("mode", "Mode",
		flagSet.BoolVar(&opts.Once, "once", false, "run a single discovery pass, print it and exit"),
		flagSet.BoolVar(&opts.JSON, "json", false, "print the one-shot result as JSON"),
	)
	flagSet.CreateGroup("discovery", "Discovery",
		flagSet.StringVarP(&opts.Ports, "ports", "p", "", "watched ports (comma or space separated)"),
		flagSet.DurationVarP(&opts.Interval, "interval", "i", 0, "refresh interval of the daemon"),
	)
	flagSet.CreateGroup("service", "Service",
		flagSet.StringVar(&opts.Addr, "addr", "", "HTTP listen address"),
		flagSet.StringVar(&opts.DBPath, "db", "", "SQLite database path"),
		flagSet.StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error)"),
	)

	if err := flagSet.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "could not parse flags: %v\n", err)
		os.Exit(1)
	}
	return opts
}
