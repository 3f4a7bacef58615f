package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"gnss-bridge/internal/config"
	"gnss-bridge/internal/gps"
	"gnss-bridge/internal/ntrip"
	"gnss-bridge/internal/poslog"
	"gnss-bridge/internal/shutdown"
	"gnss-bridge/internal/status"
	"gnss-bridge/internal/tcp"
	"gnss-bridge/internal/web"
)

const shutdownTimeout = 15 * time.Second

// deps replaces hardware and network bring-up in tests. Zero values use the
// real implementations.
type deps struct {
	openDevice func(gps.DeviceConfig) (*gps.Device, error)
	openStore  func(config.LogConfig, *log.Logger) (poslog.Store, error)
}

type runtime struct {
	cfg config.Config
	log *log.Logger

	dev     *gps.Device
	ingest  *gps.Service
	srv     *tcp.Server
	relay   *ntrip.Client
	plog    *poslog.Logger
	rotator *poslog.Rotator
	status  *status.Reporter

	feed    *web.FixFeed
	webH    http.Handler
	webLn   net.Listener
	webStat *web.Status
}

func newRuntime(cfg config.Config, logger *log.Logger, logs *web.LogBuffer, d deps) (*runtime, error) {
	if d.openDevice == nil {
		d.openDevice = gps.OpenDevice
	}
	if d.openStore == nil {
		d.openStore = openStore
	}

	dev, err := d.openDevice(gps.DeviceConfig{
		Path:        cfg.Serial.Port,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial device: %w", err)
	}
	logger.Info("serial device opened", "path", dev.Path(), "baud", cfg.Serial.Baud)

	r := &runtime{cfg: cfg, log: logger, dev: dev}
	if err := r.build(logs, d); err != nil {
		if r.srv != nil {
			_ = r.srv.Close()
		}
		if r.plog != nil {
			_ = r.plog.Close(context.Background())
		}
		_ = dev.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) build(logs *web.LogBuffer, d deps) error {
	cfg := r.cfg

	store, err := d.openStore(cfg.Log, r.log.WithPrefix("poslog"))
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	r.plog = poslog.New(store, poslog.Config{FlushInterval: cfg.Log.FlushInterval}, r.log.WithPrefix("poslog"))

	if csv, ok := store.(*poslog.CSVStore); ok && cfg.Log.Rotate.Schedule != "" {
		rot, err := poslog.NewRotator(csv, poslog.RotateConfig{
			Schedule:   cfg.Log.Rotate.Schedule,
			Dir:        cfg.Log.Rotate.Dir,
			NameFormat: cfg.Log.Rotate.NameFormat,
		}, r.log.WithPrefix("rotate"))
		if err != nil {
			return err
		}
		rot.Flush = r.plog.ForceFlush
		r.rotator = rot
	}

	r.srv = tcp.NewServer(tcp.ServerConfig{
		Host:         cfg.TCP.Host,
		Port:         cfg.TCP.Port,
		MaxClients:   cfg.TCP.MaxClients,
		Allow:        cfg.TCP.Allow,
		OnlyRTKFixed: cfg.TCP.OnlyRTKFixed,
		WriteTimeout: cfg.TCP.WriteTimeout,
		UserTimeout:  cfg.TCP.UserTimeout,
	}, r.log.WithPrefix("tcp"))
	if err := r.srv.Listen(); err != nil {
		return err
	}

	checksum, err := gps.ParseChecksumPolicy(cfg.NMEA.Checksum)
	if err != nil {
		return err
	}
	r.feed = web.NewFixFeed()
	r.ingest = gps.NewService(r.dev, gps.Config{
		RetryDelay: cfg.Serial.RetryDelay,
		Checksum:   checksum,
	}, gps.Options{
		Recorder:  r.plog,
		Forwarder: r.srv,
		OnFix:     r.feed.Publish,
		Logger:    r.log.WithPrefix("gps"),
	})

	var reporter ntrip.PositionReporter
	if cfg.NTRIP.GGAUpload {
		reporter = ntrip.StreamReporter{}
	}
	r.relay = ntrip.NewClient(ntrip.Config{
		Host:        cfg.NTRIP.Host,
		Port:        cfg.NTRIP.Port,
		Mountpoint:  cfg.NTRIP.Mountpoint,
		Username:    cfg.NTRIP.Username,
		Password:    cfg.NTRIP.Password,
		UseTLS:      cfg.NTRIP.UseTLS,
		UserAgent:   cfg.NTRIP.UserAgent,
		Backoff:     cfg.NTRIP.Backoff,
		DialTimeout: cfg.NTRIP.DialTimeout,
		ReadTimeout: cfg.NTRIP.ReadTimeout,
		GGAInterval: cfg.NTRIP.GGAInterval,
	}, r.dev, ntrip.Options{
		Logger:   r.log.WithPrefix("ntrip"),
		Reporter: reporter,
		Latest:   r.ingest.Latest,
	})

	r.status = status.New(status.Config{Interval: cfg.Status.Interval}, status.Sources{
		Latest:  r.ingest.Latest,
		Clients: r.srv.Hub().Len,
		NTRIP:   func() string { return r.relay.Snapshot().State },
		Pending: r.plog.Pending,
	}, r.log.WithPrefix("status"), r.publishers()...)

	if cfg.Web.Listen != "" {
		r.webStat = web.NewStatus(web.Sources{
			Latest: r.ingest.Latest,
			Serial: r.ingest.Stats,
			TCP:    r.srv.Snapshot,
			NTRIP:  r.relay.Snapshot,
			Log:    r.plog.Snapshot,
		})
		r.webStat.SetDevice(r.dev.Path())
		r.webH = web.Handler(r.webStat, logs, r.feed, r.log.WithPrefix("web"))
		ln, err := net.Listen("tcp", cfg.Web.Listen)
		if err != nil {
			return fmt.Errorf("web listen %s: %w", cfg.Web.Listen, err)
		}
		r.webLn = ln
	}
	return nil
}

// publishers connects the optional status sinks. A sink that cannot be
// reached at startup is skipped.
func (r *runtime) publishers() []status.Publisher {
	var pubs []status.Publisher
	sc := r.cfg.Status
	if sc.MQTT.Broker != "" {
		p, err := status.DialMQTT(status.MQTTConfig{
			Broker:   sc.MQTT.Broker,
			Topic:    sc.MQTT.Topic,
			ClientID: sc.MQTT.ClientID,
			Username: sc.MQTT.Username,
			Password: sc.MQTT.Password,
			QoS:      sc.MQTT.QoS,
			Retain:   sc.MQTT.Retain,
		}, 5*time.Second)
		if err != nil {
			r.log.Warn("mqtt status publisher disabled", "err", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if sc.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p, err := status.DialRedis(ctx, status.RedisConfig{
			URL:     sc.Redis.URL,
			Key:     sc.Redis.Key,
			Channel: sc.Redis.Channel,
			TTL:     sc.Redis.TTL,
		})
		cancel()
		if err != nil {
			r.log.Warn("redis status publisher disabled", "err", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

func openStore(cfg config.LogConfig, logger *log.Logger) (poslog.Store, error) {
	switch cfg.Store {
	case "postgres":
		return poslog.OpenPostgres(cfg.PostgresURL, logger)
	default:
		return poslog.NewCSVStore(cfg.Path)
	}
}

// run starts every loop, blocks until the coordinator fires, then tears
// down in order: subscribers, device, ingestion, correction transport,
// logger.
func (r *runtime) run(co *shutdown.Coordinator) error {
	ingestDone := make(chan struct{})

	co.Register("subscribers", func(context.Context) error { return r.srv.Close() })
	co.Register("device", func(context.Context) error { return r.dev.Close() })
	// The logger's final flush must not race a fix still being dispatched.
	co.Register("ingest", func(ctx context.Context) error {
		select {
		case <-ingestDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for serial ingestion: %w", ctx.Err())
		}
	})
	co.Register("ntrip", func(context.Context) error { return r.relay.Close() })
	co.Register("logger", r.plog.Close)
	co.Register("status", func(context.Context) error {
		r.feed.Close()
		return r.status.Close()
	})

	ctx := co.Context()
	var wg conc.WaitGroup
	loop := func(name string, fn func(context.Context) error) {
		wg.Go(func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("loop stopped", "loop", name, "err", err)
			}
		})
	}

	loop("tcp", r.srv.Run)
	loop("ntrip", r.relay.Run)
	loop("poslog", r.plog.Run)
	loop("status", r.status.Run)
	if r.webLn != nil {
		r.log.Info("web status listening", "addr", r.webLn.Addr().String())
		loop("web", func(ctx context.Context) error { return web.ServeListener(ctx, r.webLn, r.webH) })
	}
	wg.Go(func() {
		defer close(ingestDone)
		err := r.ingest.Run(ctx)
		if ctx.Err() == nil {
			r.log.Error("serial ingestion stopped", "err", err)
			co.Trigger("serial ingestion stopped")
		}
	})
	if r.rotator != nil {
		if err := r.rotator.Start(); err != nil {
			r.log.Error("log rotation disabled", "err", err)
		}
	}

	r.log.Info("gnss-bridge running",
		"tcp", r.srv.Addr().String(),
		"ntrip", r.relay.Snapshot().Enabled,
		"log", r.cfg.Log.Store,
	)

	<-co.Done()
	r.log.Info("gnss-bridge stopping", "reason", co.Reason())
	if r.rotator != nil {
		r.rotator.Stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := co.Shutdown(sctx)

	if rec := wg.WaitAndRecover(); rec != nil {
		r.log.Error("loop panicked", "value", rec.Value, "stack", string(rec.Stack))
		err = multierr.Append(err, fmt.Errorf("loop panicked: %v", rec.Value))
	}
	return err
}
