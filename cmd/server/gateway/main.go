package main

// cSpell:ignore mqtt modbus mamlink
import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/messaging"
	"github.com/fisaks/mamlink/internal/modbus"
	"github.com/fisaks/mamlink/internal/publisher"
	"github.com/fisaks/mamlink/internal/state"
	"github.com/fisaks/mamlink/internal/store"
	"github.com/fisaks/mamlink/internal/thing"
)

func main() {
	logging.Init()

	settings, err := config.LoadSettings()
	if err != nil {
		logging.Fatal("Settings error", "error", err)
	}
	cfg, err := config.LoadGatewayConfig(settings.ConfigPath)
	if err != nil {
		logging.Fatal("Gateway config error", "path", settings.ConfigPath, "error", err)
	}
	logging.Info("Loaded config",
		"node", cfg.Node.Endpoint(),
		"things", len(cfg.Things),
		"streams", len(cfg.Streams),
	)

	db, err := store.Open(settings.DBPath)
	if err != nil {
		logging.Fatal("Store error", "path", settings.DBPath, "error", err)
	}
	defer db.Close()

	// Graceful shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport := mam.NewHelperTransport(mam.HelperConfig{
		NodeBinary: cfg.Helper.NodeBinary,
		ScriptDir:  cfg.Helper.ScriptDir,
		Endpoint:   cfg.Node.Endpoint(),
		Timeout:    cfg.Helper.Timeout(),
	}, mam.ExecRunner)
	gateway := ledger.NewHTTPGateway(ledger.HTTPGatewayConfig{
		Endpoint: cfg.Node.Endpoint(),
		Timeout:  cfg.Node.Timeout(),
	}, transport)

	registry := publisher.NewRegistry(publisher.Options{
		Transport:    transport,
		Store:        db,
		Delay:        cfg.Debounce(),
		ReleaseDelay: cfg.ReleaseDelay(),
	})
	defer registry.Close()
	var gate thing.StreamGate
	for _, s := range cfg.Streams {
		if _, err := registry.Register(ctx, publisher.StreamConfig{
			Item: s.Item, Seed: s.Seed, Mode: s.Mode, Key: s.Key, Price: s.Price, Wallet: s.Wallet,
		}); err != nil {
			logging.Fatal("Stream config error", "item", s.Item, "error", err)
		}
		if s.Price > 0 {
			gate = registry
		}
	}

	broker := messaging.NewMsgBroker(messaging.BrokerConfig{
		BrokerURL:        settings.MQTTURL,
		ClientName:       settings.Name,
		TopicPrefix:      settings.TopicPrefix(),
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	})
	gw := messaging.NewGatewayBroker(broker, state.NewChannelStateStore(nil),
		time.Duration(cfg.HeartbeatInterval)*time.Second)
	if err := gw.Connect(ctx); err != nil {
		logging.Fatal("MQTT connect failed", "broker", settings.MQTTURL, "error", err)
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = gw.Close(closeCtx)
	}()

	manager := thing.NewManager(thing.ManagerOptions{
		Transport: transport,
		Gateway:   gateway,
		Seed:      cfg.Node.Seed,
		Router:    channel.NewRouter(channel.DefaultServices()),
		Gate:      gate,
		Store:     db,
		Callback:  gw,
	})
	if err := manager.Start(ctx, cfg.Things); err != nil {
		logging.Fatal("Things failed to start", "error", err)
	}
	defer manager.Dispose()

	if err := gw.StartGatewaySubscriber(ctx, registry, manager); err != nil {
		logging.Fatal("MQTT subscribe failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Modbus != nil {
		// one goroutine per bus
		for _, p := range modbus.NewBusPollers(cfg.Modbus, registry, nil) {
			p := p
			g.Go(func() error {
				p.Run(gctx)
				return nil
			})
		}
	}
	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logging.Info("Serving metrics", "addr", settings.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	logging.Info("Shutting down")
	gw.StopGatewaySubscriber(context.Background())
	cancel()
	if err := g.Wait(); err != nil {
		logging.Error("Gateway stopped with error", "error", err)
	}
	logging.Info("bye")
}
