package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/bridge"
	"craftpilot.ai/internal/config"
	"craftpilot.ai/internal/control"
	"craftpilot.ai/internal/opportunist"
	"craftpilot.ai/internal/persistence/indexdb"
	"craftpilot.ai/internal/persistence/journal"
	"craftpilot.ai/internal/recipes"
	"craftpilot.ai/internal/supervisor"
	"craftpilot.ai/internal/survival"
	"craftpilot.ai/internal/worldtest"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to bot.yaml (empty = defaults)")
		url         = flag.String("url", "", "override world.url")
		name        = flag.String("name", "", "override world.agent_name")
		addr        = flag.String("addr", "", "override control.addr (\"-\" disables the control server)")
		dataDir     = flag.String("data", "", "override data_dir")
		offline     = flag.Bool("offline", false, "run against a generated in-memory world")
		seed        = flag.Int64("seed", 1, "offline world seed")
		tickMs      = flag.Int("tick_ms", 50, "offline world tick duration in milliseconds")
		autoStart   = flag.Bool("autostart", true, "start a full run after every connect")
		allowRemote = flag.Bool("allow_remote", false, "accept mutating control requests from non-loopback clients")
		disableIdx  = flag.Bool("disable_index", false, "disable the sqlite run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *url != "" {
		cfg.World.URL = *url
	}
	if *name != "" {
		cfg.World.AgentName = *name
	}
	if *addr != "" {
		cfg.Control.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if n, err := recipes.Bootstrap(cfg.RecipesDir); err != nil {
		logger.Fatalf("bootstrap recipes: %v", err)
	} else if n > 0 {
		logger.Printf("wrote %d default recipes to %s", n, cfg.RecipesDir)
	}
	cat, err := recipes.LoadDir(cfg.RecipesDir)
	if err != nil {
		logger.Fatalf("load recipes: %v", err)
	}
	logger.Printf("recipes loaded dir=%s count=%d digest=%s", cfg.RecipesDir, cat.Len(), cat.Digest)
	for _, id := range cat.Invalid() {
		logger.Printf("recipe %s is invalid and will be treated as missing", id)
	}
	for _, item := range survival.Ladder(cfg.Plan) {
		if !cat.Produces(item) {
			logger.Printf("no recipe produces %s; did you mean %v?", item, cat.Suggest(item))
		}
	}
	tags := cfg.TagTable()
	res := recipes.NewResolver(tags, cfg.Policy(), logger)

	ctx, cancel := signalContext()
	defer cancel()

	j := journal.Open(cfg.DataDir, logger)
	sink := survival.MultiSink{survival.LogSink(logger), j}

	var idx *indexdb.SQLiteIndex
	if !*disableIdx {
		idx, err = indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		if err := idx.UpsertCatalog(cat, tags); err != nil {
			logger.Printf("index catalogs: %v", err)
		}
		sink = append(sink, idx)
	}

	var connect supervisor.Connector
	if *offline {
		logger.Printf("offline world seed=%d", *seed)
		connect = func(ctx context.Context) (actuator.Actuator, error) {
			return worldtest.Generate(cat, res, worldtest.Options{
				Seed:      *seed,
				TickDelay: time.Duration(*tickMs) * time.Millisecond,
			}), nil
		}
	} else {
		connect = func(ctx context.Context) (actuator.Actuator, error) {
			return bridge.Dial(ctx, bridge.Config{
				URL:              cfg.World.URL,
				AgentName:        cfg.World.AgentName,
				WorldPreference:  cfg.World.WorldPreference,
				StatePath:        filepath.Join(cfg.DataDir, "session.json"),
				HandshakeTimeout: cfg.World.ConnectTimeout(),
				ActionTimeout:    cfg.World.ActionTimeout(),
				ActRate:          cfg.World.ActRatePerSec,
				ActBurst:         cfg.World.ActBurst,
				Logger:           logger,
			})
		}
	}

	newEnv := func(act actuator.Actuator) *survival.Env {
		env := survival.NewEnv(act, cat, res, cfg, logger)
		env.Sink = sink
		return env
	}

	sup := supervisor.New(connect, newEnv, survival.Plan(cfg.Plan), supervisor.Config{
		RestartDelay:      cfg.Timing.RestartDelay(),
		MaxRestarts:       cfg.Timing.MaxRestarts,
		RetryCooldown:     cfg.Timing.RetryCooldown(),
		OnConnectCommands: cfg.World.OnConnectCommands,
		AutoStart:         *autoStart,
		Opportunist: opportunist.Config{
			Interval:       cfg.Timing.OpportunistInterval(),
			GatherCooldown: cfg.Timing.GatherCooldown(),
			LogFloor:       cfg.Plan.LogFloor,
			Ladder:         survival.Ladder(cfg.Plan),
		},
	}, logger)

	if cfg.Control.Addr != "-" {
		var hist control.History
		if idx != nil {
			hist = idx
		}
		ctl := control.New(sup, hist, control.Config{
			Agent:         cfg.World.AgentName,
			AllowRemote:   *allowRemote,
			ActionTimeout: cfg.World.ActionTimeout(),
		}, logger)
		go func() {
			if err := ctl.Serve(ctx, cfg.Control.Addr); err != nil {
				logger.Printf("control server: %v", err)
			}
		}()
	}

	code := 0
	err = sup.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Printf("shutdown")
	case errors.Is(err, supervisor.ErrTooManyRestarts):
		logger.Printf("giving up: %v", err)
		code = 1
	default:
		logger.Printf("supervisor stopped: %v", err)
		code = 1
	}

	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close index db: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		logger.Printf("close journal: %v", err)
	}
	os.Exit(code)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
