package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	gamepads "github.com/doingharm/gamepad-relay"
	"github.com/doingharm/gamepad-relay/config"
	"github.com/doingharm/gamepad-relay/logger"
	"github.com/doingharm/gamepad-relay/mailbox"
	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/realtime"
	"github.com/doingharm/gamepad-relay/relay"
	"github.com/doingharm/gamepad-relay/router"
	"github.com/doingharm/gamepad-relay/server"
	"github.com/doingharm/gamepad-relay/state"
	"github.com/doingharm/gamepad-relay/store"
)

// dashboardTab is the tab the in-process content script is bound to.
const dashboardTab = "dashboard"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err = logger.Init(cfg.Logging); err != nil {
		return err
	}
	mainLog := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	broker, closeBroker := connectBroker(cfg.NatsURL, mainLog)
	defer closeBroker()

	availability := realtime.NewAvailability(broker.Ping, cfg.Realtime.ProbeTimeout, cfg.Realtime.ProbeCooldown)
	publisherOpts := []realtime.PublisherOption{
		realtime.WithSendTimeout(cfg.Realtime.SendTimeout),
		realtime.WithAvailability(availability),
		realtime.WithDeadzone(cfg.Capture.Deadzone),
	}

	r := router.New(router.Config{
		Detector: cfg.Capture.Detector(),
		Debug:    cfg.Capture.Debug,
		Settings: st,
	}, logger.WithComponent("router"))

	source, closeSource := openCapture(mainLog)
	defer closeSource()

	pollerCfg := gamepads.PollerConfig{
		FrameInterval: cfg.Capture.FrameInterval(),
		MinInterval:   cfg.Capture.PollInterval(),
		Deadzone:      cfg.Capture.Deadzone,
	}

	deps := server.Deps{
		Router:       r,
		Broker:       broker,
		Availability: availability,
		Settings:     st,
	}

	switch cfg.Capture.Mode {
	case config.ModeDirect:
		if cfg.Realtime.Username != "" {
			ch, err := broker.Channel(protocol.ChannelName(cfg.Realtime.Username))
			if err != nil {
				return err
			}
			defer ch.Close()
			publisher := realtime.NewAsyncPublisher(ctx,
				realtime.NewPublisher(ch, logger.WithComponent("publisher"), publisherOpts...))
			defer publisher.Close()
			r.AddTap(func(_ context.Context, s *state.NormalizedState) {
				publisher.Offer(s)
			})
		}

		// the poll goroutine hands samples over and moves on
		updates := mailbox.Start(func(s *state.NormalizedState) {
			r.UpdateState(ctx, s)
		})
		defer updates.Close()

		poller := gamepads.NewPoller(source, func(_ context.Context, s *state.NormalizedState) {
			updates.Offer(s)
		}, pollerCfg, logger.WithComponent("poller"))
		r.OnDeadzone(poller.SetDeadzone)
		if err = poller.Start(ctx); err != nil {
			return err
		}
		defer poller.Stop()

	case config.ModeExtension:
		ext, shutdown, err := startExtension(ctx, cfg, st, source, broker, r, pollerCfg, publisherOpts)
		if err != nil {
			return err
		}
		defer shutdown()
		deps.Extension = ext
	}

	srv := server.New(server.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.Extension.AllowedOrigins,
		Tokens:         cfg.Auth.Tokens,
	}, deps, logger.WithComponent("server"))

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	mainLog.Info().Str("mode", cfg.Capture.Mode).Msg("gamepad relay started")

	select {
	case <-ctx.Done():
	case err = <-errs:
		return err
	}

	mainLog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connectBroker dials NATS, falling back to the in-process broker when no
// URL is configured or the server is unreachable.
func connectBroker(url string, mainLog zerolog.Logger) (realtime.Broker, func()) {
	if url == "" {
		mainLog.Info().Msg("no NATS URL configured, using in-process realtime broker")
		return realtime.NewMemoryBroker(), func() {}
	}

	nb, err := realtime.Connect(url, logger.WithComponent("nats"))
	if err != nil {
		mainLog.Warn().Err(err).Str("url", url).Msg("NATS unavailable, using in-process realtime broker")
		return realtime.NewMemoryBroker(), func() {}
	}

	return nb, func() {
		if err := nb.Close(); err != nil {
			mainLog.Warn().Err(err).Msg("failed to drain NATS connection")
		}
	}
}

type absentSource struct{}

func (absentSource) Snapshot() *state.RawSnapshot { return nil }

// openCapture opens the joystick bus. Without one the relay still serves
// page producers over the worker socket.
func openCapture(mainLog zerolog.Logger) (gamepads.SnapshotSource, func()) {
	bus, errCh, err := gamepads.New(
		gamepads.WithLogger(logger.WithComponent("gamepads")),
		gamepads.WithAutoSubscribe(),
	)
	if err != nil {
		mainLog.Warn().Err(err).Msg("gamepad capture unavailable")
		return absentSource{}, func() {}
	}

	// errors are already logged by the bus
	go func() {
		for range errCh {
		}
	}()

	if ch := bus.NewEventChannel(gamepads.OnlyConnectivity); ch != nil {
		go func() {
			for e := range ch.Ch {
				mainLog.Info().Str("device", e.ID).Stringer("event", e.Type).Msg("gamepad connectivity")
			}
		}()
	}

	return bus, bus.Close
}

func startExtension(
	ctx context.Context,
	cfg config.Config,
	st *store.Store,
	source gamepads.SnapshotSource,
	broker realtime.Broker,
	r *router.Router,
	pollerCfg gamepads.PollerConfig,
	publisherOpts []realtime.PublisherOption,
) (*relay.Background, func(), error) {
	rt := relay.NewRuntime(logger.WithComponent("runtime"), 0)

	var (
		mu        sync.Mutex
		offscreen *relay.Offscreen
		deadzone  = pollerCfg.Deadzone
	)
	factory := func(ctx context.Context) error {
		mu.Lock()
		offscreenPoller := pollerCfg
		offscreenPoller.Deadzone = deadzone
		mu.Unlock()

		o := relay.NewOffscreen(rt, source, broker, relay.OffscreenConfig{
			Poller:    offscreenPoller,
			Detector:  cfg.Capture.Detector(),
			Publisher: publisherOpts,
		}, logger.WithComponent("offscreen"))
		if err := o.Start(ctx); err != nil {
			return err
		}
		mu.Lock()
		offscreen = o
		mu.Unlock()
		return nil
	}

	bg := relay.NewBackground(rt, st, factory, relay.BackgroundConfig{
		ExtensionID:      cfg.Extension.ID,
		AllowedOrigins:   cfg.Extension.AllowedOrigins,
		WatchdogInterval: cfg.Extension.WatchdogInterval,
	}, logger.WithComponent("background"))
	if err := bg.Start(ctx); err != nil {
		return nil, nil, err
	}

	cs := relay.NewContentScript(rt, st, relay.NewPageBridge(r, logger.WithComponent("page")), relay.ContentConfig{
		TabID:         dashboardTab,
		Deadzone:      cfg.Capture.Deadzone,
		ReadyAttempts: cfg.Extension.ReadyAttempts,
		ReadyBackoff:  cfg.Extension.ReadyBackoff,
	}, logger.WithComponent("content"))
	if err := cs.Start(ctx); err != nil {
		bg.Stop()
		return nil, nil, err
	}

	// a recreated offscreen document picks up the latest user deadzone
	r.OnDeadzone(func(dz float64) {
		cs.SetDeadzone(dz)
		mu.Lock()
		deadzone = dz
		o := offscreen
		mu.Unlock()
		if o != nil {
			o.SetDeadzone(dz)
		}
	})

	shutdown := func() {
		cs.Stop()
		bg.Stop()
		mu.Lock()
		o := offscreen
		mu.Unlock()
		if o != nil {
			o.Close()
		}
	}
	return bg, shutdown, nil
}
