package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"simbridge.ai/internal/brain"
	"simbridge.ai/internal/bridge"
	"simbridge.ai/internal/config"
	"simbridge.ai/internal/persistence/indexdb"
	"simbridge.ai/internal/persistence/ticklog"
	"simbridge.ai/internal/sim/lot"
	"simbridge.ai/internal/transport/observer"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/bridge.yaml", "bridge config path")
		listen     = flag.String("listen", "127.0.0.1:8091", "telemetry http listen address (empty to disable)")
		brainURL   = flag.String("brain", "", "reasoning service endpoint (overrides config and "+config.EnvBrainURL+")")
		logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
		noColor    = flag.Bool("no-color", false, "disable colored log output")
		statsEvery = flag.Duration("stats-every", time.Minute, "interval between stats log lines (0 to disable)")
		flushEvery = flag.Duration("flush-every", 10*time.Second, "interval between tick log flushes (0 to flush only on exit)")
	)
	flag.Parse()

	logger := newLogger(os.Stderr, *logLevel, *noColor)
	log := logger.With("component", "bridge")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	if strings.TrimSpace(*brainURL) != "" {
		cfg.Brain.Endpoint = strings.TrimSpace(*brainURL)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}
	if *listen != "" && !isLoopbackListenAddress(*listen) {
		log.Error("refusing telemetry bind on non-loopback address", "listen", *listen)
		os.Exit(1)
	}

	mode, _ := bridge.ParseChatMode(cfg.Chat.Mode)
	chat := bridge.NewChatLog(mode, cfg.Chat.Keep)

	world := lot.New(cfg.LotOptions(), chat)
	if err := world.Populate(cfg.Lot.Layout); err != nil {
		log.Error("populate lot", "err", err)
		os.Exit(1)
	}

	client, err := brain.New(cfg.BrainClient())
	if err != nil {
		log.Error("brain client", "err", err)
		os.Exit(1)
	}

	var (
		sinks   bridge.MultiSink
		tickLog *ticklog.Logger
		index   *indexdb.SQLiteIndex
		obs     *observer.Server
	)
	if dir := strings.TrimSpace(cfg.Telemetry.TickLogDir); dir != "" {
		tickLog = ticklog.New(dir, logger.With("component", "ticklog"))
		defer func() { _ = tickLog.Close() }()
		sinks = append(sinks, tickLog)
	}
	if path := strings.TrimSpace(cfg.Telemetry.IndexDB); path != "" {
		index, err = indexdb.OpenSQLite(path)
		if err != nil {
			log.Error("open index", "path", path, "err", err)
			os.Exit(1)
		}
		defer func() { _ = index.Close() }()
		sinks = append(sinks, index)
	}
	// obs is assigned before the first Advance.
	sinks = append(sinks, bridge.SinkFunc(func(r bridge.TickResult) {
		if obs != nil {
			obs.ObserveTick(r)
		}
	}))

	sched, err := bridge.NewScheduler(cfg.SchedulerOptions(), bridge.Deps{
		Builder: bridge.NewBuilder(world, cfg.SnapshotOptions()),
		Brain:   client,
		Applier: bridge.NewApplier(world, cfg.ApplyOptions()),
		Hearing: chat,
		Sink:    sinks,
		Logger:  logger.With("component", "scheduler"),
	})
	if err != nil {
		log.Error("scheduler", "err", err)
		os.Exit(1)
	}

	handles := append(world.Handles(), cfg.Agents...)
	for _, h := range handles {
		if err := sched.Register(h); err != nil {
			log.Error("register agent", "agent", h.ID, "err", err)
			os.Exit(1)
		}
		index.RecordAgent(h, true)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var httpSrv *http.Server
	if *listen != "" {
		obs = observer.NewServer(sched, func() map[string]any {
			m := map[string]any{"lot": world.Stats()}
			if tickLog != nil {
				m["ticklog"] = tickLog.Stats()
			}
			if index != nil {
				m["index"] = index.Stats()
			}
			return m
		}, logger.With("component", "observer"))
		httpSrv = &http.Server{
			Addr:              *listen,
			Handler:           obs.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("telemetry listening", "url", "http://"+*listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("telemetry listen", "err", err)
				cancel()
			}
		}()
	}

	log.Info("bridge started",
		"brain", cfg.Brain.Endpoint,
		"agents", len(handles),
		"think_every", sched.ThinkEvery(),
		"step", cfg.StepInterval(),
		"chat_mode", mode,
		"wander_on_empty_move", cfg.Apply.WanderOnEmptyMove,
	)
	var flush func() error
	if tickLog != nil {
		flush = tickLog.Sync
	}
	runLoop(ctx, world, sched, loopTimers{
		step:       cfg.StepInterval(),
		statsEvery: *statsEvery,
		flushEvery: *flushEvery,
	}, flush, log)

	log.Info("shutting down")
	sched.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sched.Wait(waitCtx); err != nil {
		log.Warn("outstanding ticks did not unwind", "err", err)
	}
	waitCancel()
	for _, h := range handles {
		index.RecordAgent(h, false)
	}
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
}

type loopTimers struct {
	step       time.Duration
	statsEvery time.Duration
	flushEvery time.Duration
}

// runLoop is the host game loop: drain the lot's command queue, then feed
// the scheduler the monotonic time elapsed since the previous step. flush,
// when set, is called every flushEvery so the live tick log stays readable.
func runLoop(ctx context.Context, world *lot.Lot, sched *bridge.Scheduler, timers loopTimers, flush func() error, log *slog.Logger) {
	ticker := time.NewTicker(timers.step)
	defer ticker.Stop()

	last := time.Now()
	lastStats, lastFlush := last, last
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			world.Step()
			sched.Advance(now.Sub(last))
			last = now

			if flush != nil && timers.flushEvery > 0 && now.Sub(lastFlush) >= timers.flushEvery {
				lastFlush = now
				if err := flush(); err != nil {
					log.Warn("tick log flush failed", "err", err)
				}
			}
			if timers.statsEvery > 0 && now.Sub(lastStats) >= timers.statsEvery {
				lastStats = now
				st := sched.Stats()
				ls := world.Stats()
				log.Info("stats",
					"passes", st.Passes,
					"ticks_started", st.TicksStarted,
					"ticks_dropped", st.TicksDropped,
					"lot_tick", ls.Tick,
					"commands_applied", ls.Applied,
					"commands_rejected", ls.Rejected,
					"commands_dropped", ls.Dropped,
				)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
