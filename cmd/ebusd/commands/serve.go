package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/ebusgw/ebusd/internal/admin"
	"github.com/ebusgw/ebusd/internal/broker"
	"github.com/ebusgw/ebusd/internal/clientmux"
	"github.com/ebusgw/ebusd/internal/config"
	"github.com/ebusgw/ebusd/internal/devices"
	"github.com/ebusgw/ebusd/internal/logger"
	"github.com/ebusgw/ebusd/internal/metrics"
	"github.com/ebusgw/ebusd/internal/persistence/badger"
	"github.com/ebusgw/ebusd/internal/scheduler"
	"github.com/ebusgw/ebusd/internal/store"
	"github.com/ebusgw/ebusd/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ebusd bridge and bus participant",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.With(slog.String("component", "serve"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := badger.Open(cfg.Persistence.DataDir)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("persistence close failed", logger.Err(err))
		}
	}()

	cmdStore := store.New()
	if n := cmdStore.LoadCommands(backend); n < 0 {
		log.Warn("failed to load persisted commands")
	} else {
		log.Info("loaded persisted commands", slog.Int64("bytes", n))
	}

	devReg := devices.New(ebus.SlaveAddress(cfg.Serial.MyAddress))

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	port, err := transport.OpenSerial(transport.SerialConfig{Device: cfg.Serial.Port, BaudRate: cfg.Serial.BaudRate})
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}
	defer func() { _ = port.Close() }()

	handler := ebus.NewHandler(cfg.Serial.MyAddress, port, func() bool { return true })
	timing := ebus.NewTiming()
	bus := ebus.NewBus(handler, port, timing)

	pub := &publisher{store: cmdStore}

	sched := scheduler.New(handler, cmdStore, devReg, pub, cfg.Serial.MyAddress, scheduler.Config{
		ActiveCommandTimeout:   cfg.Scheduler.ActiveJobTimeout,
		DistanceScans:          cfg.Scheduler.DistanceScans,
		DistanceFullScans:      cfg.Scheduler.DistanceFullScans,
		MaxStartupScans:        cfg.Scheduler.MaxStartupScans,
		FirstCommandAfterStart: 2 * time.Second,
	}, log)
	sched.EnableInquiryOfExistence(true)
	sched.EnableStartupScan(true)

	mplex := clientmux.New(sched, log)

	var brokerClient *broker.Client
	var dispatcher *broker.Dispatcher
	if cfg.Broker.Enabled {
		brokerClient, err = broker.Connect(broker.Config{URL: cfg.Broker.URL, TopicPrefix: cfg.Broker.TopicPrefix}, log)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer brokerClient.Close()
		dispatcher = broker.New(brokerClient, sched, cmdStore, devReg, handler, backend, cfg.Serial.MyAddress, cfg.Broker.TopicPrefix, log)
		pub.dispatcher = dispatcher
	}

	collector := metrics.NewBusCollector(metrics.Sources{
		Counter:   handler.Counters(),
		Scheduler: sched,
		Store:     cmdStore,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("bus", func(ctx context.Context) error {
		return transport.Run(ctx, port, func(b byte, at time.Time) {
			bus.Feed(b, at)
			mplex.BroadcastBusByte(b)
		})
	})
	run("scheduler", sched.Run)
	run("clientmux", func(ctx context.Context) error {
		return mplex.Serve(ctx, clientmux.Ports{
			ReadOnly: fmt.Sprintf(":%d", cfg.Ports.ReadOnly),
			Regular:  fmt.Sprintf(":%d", cfg.Ports.Regular),
			Enhanced: fmt.Sprintf(":%d", cfg.Ports.Enhanced),
		})
	})
	if collector != nil {
		run("metrics", collector.Run)
	}
	if dispatcher != nil {
		run("broker", dispatcher.Run)
	}
	if cfg.Metrics.Enabled {
		router := admin.Router(backend, func() bool { return true }, metrics.GetRegistry())
		run("admin", func(ctx context.Context) error {
			return admin.Serve(ctx, cfg.Metrics.ListenAddr, router)
		})
	}

	log.Info("ebusd started",
		slog.String("serial_port", cfg.Serial.Port),
		slog.Int("my_address", int(cfg.Serial.MyAddress)),
		slog.Int("regular_port", cfg.Ports.Regular),
		slog.Int("enhanced_port", cfg.Ports.Enhanced),
		slog.Int("readonly_port", cfg.Ports.ReadOnly),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("fatal component error", logger.Err(err))
		stop()
	}

	wg.Wait()

	if n := cmdStore.SaveCommands(backend); n < 0 {
		log.Warn("failed to persist commands on shutdown")
	}

	return nil
}

// publisher adapts the command store and broker dispatcher to the
// scheduler.Publisher contract; when no broker is configured, published
// values are simply dropped (the store itself already holds the latest
// decoded value for the persisted-state and TCP collaborators to read).
type publisher struct {
	store      *store.Store
	dispatcher *broker.Dispatcher
}

func (p *publisher) PublishValue(handle any) {
	if p.dispatcher != nil {
		p.dispatcher.PublishValue(handle)
	}
}

func (p *publisher) PublishData(kind string, master, slave []byte) {
	if p.dispatcher != nil {
		p.dispatcher.PublishData(kind, master, slave)
	}
}
