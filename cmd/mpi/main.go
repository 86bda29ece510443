// Command mpi tracks active customers from MQTT start/stop events and
// periodically publishes a bounded manifest of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/mpi/internal/config"
	"github.com/sweeney/mpi/internal/logic"
	"github.com/sweeney/mpi/internal/mqtt"
	"github.com/sweeney/mpi/internal/status"
	"github.com/sweeney/mpi/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (empty uses built-in defaults)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")

	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath, *broker, *httpAddr)
	if err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())

	if *printConfig {
		out, _ := yaml.Marshal(cfg)
		fmt.Print(string(out))
		return
	}

	if err := run(cfg, *configPath, level); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or the defaults when path is empty, and
// applies flag overrides.
func loadConfig(path, broker, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		var err error
		if cfg, err = config.Parse(nil); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg, broker, httpAddr)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, broker, httpAddr string) {
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTPAddr = ""
	default:
		cfg.HTTPAddr = httpAddr
	}
}

func statusConfig(cfg *config.Config) status.Config {
	eng := cfg.Engine()
	return status.Config{
		ActiveTime:    eng.ActiveTime,
		CooldownTime:  eng.CooldownTime,
		RefreshTime:   eng.RefreshTime,
		SweepTime:     cfg.SweepInterval(),
		HeartbeatTime: cfg.Heartbeat(),
		ManifestSize:  eng.ManifestSize,
		Broker:        cfg.MQTT.Broker,
		EventTopic:    cfg.MQTT.EventTopic,
		ManifestTopic: cfg.MQTT.ManifestTopic,
		HTTPAddr:      cfg.HTTPAddr,
	}
}

func logHazards(eng logic.Config) {
	for _, h := range eng.Hazards() {
		slog.Warn("config: tuning hazard", "detail", h)
	}
}

func run(cfg *config.Config, configPath string, level *slog.LevelVar) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	startTime := time.Now()
	tracker := status.NewTracker(startTime, statusConfig(cfg))

	client := mqtt.NewRealClient(mqtt.Options{
		Broker:        cfg.MQTT.Broker,
		ClientID:      cfg.MQTT.ClientID,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password(),
		EventTopic:    cfg.MQTT.EventTopic,
		ManifestTopic: cfg.MQTT.ManifestTopic,
		SystemTopic:   cfg.MQTT.SystemTopic,
		QoS:           cfg.MQTT.QoS,
		OnReject:      func(string, error) { tracker.RecordRejected() },
	})
	defer client.Close()

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.SystemStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.SystemStartup, ""),
	}
	if err := client.PublishSystem(startup); err != nil {
		slog.Error("main: failed to publish startup event", "err", err)
	}

	hub := web.NewHub()
	go hub.Run(ctx)

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, hub)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("web: server error", "err", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		slog.Info("web: status server listening", "addr", cfg.HTTPAddr)
	}

	reload := make(chan *config.Config, 1)
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, cfg, func(c *config.Config) {
				select {
				case reload <- c:
				default:
					// A reload is already queued; replace it with the newer one.
					select {
					case <-reload:
					default:
					}
					reload <- c
				}
			})
			if err != nil {
				slog.Error("config: watch failed", "path", configPath, "err", err)
			}
		}()
	}

	eng := cfg.Engine()
	logHazards(eng)
	slog.Info("main: started",
		"active_time", eng.ActiveTime, "manifest_size", eng.ManifestSize,
		"cooldown_time", eng.CooldownTime, "refresh_time", eng.RefreshTime,
		"sweep_time", cfg.SweepInterval(), "heartbeat_time", cfg.Heartbeat(),
		"broker", cfg.MQTT.Broker)

	sweepTicker := time.NewTicker(cfg.SweepInterval())
	defer sweepTicker.Stop()
	manifestTicker := time.NewTicker(eng.RefreshTime)
	defer manifestTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store := logic.NewStore()
	d := deps{
		store:     store,
		builder:   logic.NewBuilder(store, eng),
		heartbeat: logic.NewHeartbeat(startTime),
		pub:       client,
		sub:       client,
		conn:      client,
		tracker:   tracker,
		live:      hub,
		interval:  cfg.Heartbeat(),
		now:       time.Now,
		onReload: func(c *config.Config) {
			level.Set(c.Level())
			sweepTicker.Reset(c.SweepInterval())
			manifestTicker.Reset(c.Engine().RefreshTime)
		},
	}
	return runLoop(d, chans{
		sweep:    sweepTicker.C,
		manifest: manifestTicker.C,
		reload:   reload,
		sig:      sigCh,
	})
}

// broadcaster receives every published manifest payload.
type broadcaster interface {
	Broadcast(payload []byte)
}

// deps are the collaborators runLoop drives. Everything is injectable so the
// loop can be tested with fakes and a synthetic clock.
type deps struct {
	store     *logic.Store
	builder   *logic.Builder
	heartbeat *logic.Heartbeat
	pub       mqtt.Publisher
	sub       mqtt.Subscriber
	conn      mqtt.ConnectionStatus
	tracker   *status.Tracker
	live      broadcaster      // optional
	interval  time.Duration    // heartbeat interval, 0 disables
	now       func() time.Time // wall clock for sweeps and manifests
	onReload  func(*config.Config)
}

// chans are the loop's inputs besides customer events.
type chans struct {
	sweep    <-chan time.Time
	manifest <-chan time.Time
	reload   <-chan *config.Config
	sig      <-chan os.Signal
}

// runLoop owns the store's write path: it applies customer events, sweeps,
// builds and publishes manifests, and handles reloads until a signal arrives.
// It is the only goroutine that builds manifests, so builds never overlap.
func runLoop(d deps, c chans) error {
	events := d.sub.Events()

	for {
		select {
		case s := <-c.sig:
			slog.Info("main: shutting down", "signal", s.String())
			shutdown(d, events, signalName(s))
			return nil

		case ev := <-events:
			applyEvent(d, ev)

		case <-c.sweep:
			t := d.now()
			res := d.builder.Sweeper().Sweep(t)
			d.tracker.RecordSweep(res)
			if res.Removed() > 0 || res.Released > 0 {
				slog.Debug("sweep: done",
					"stopped", res.Stopped, "expired", res.Expired,
					"cooldown_expired", res.CooldownExpired, "released", res.Released)
			}
			refreshStatus(d, t)

			if hb := d.heartbeat.Check(t, d.interval); hb != nil {
				slog.Info("main: heartbeat", "uptime", hb.Uptime.Truncate(time.Second).String())
				snap := d.tracker.Snapshot()
				event := mqtt.SystemEvent{
					Timestamp:  hb.Timestamp,
					Event:      mqtt.SystemHeartbeat,
					RawPayload: status.FormatStatusEvent(snap, mqtt.SystemHeartbeat, ""),
				}
				if err := d.pub.PublishSystem(event); err != nil {
					slog.Error("main: heartbeat publish error", "err", err)
				}
			}

		case <-c.manifest:
			publishManifest(d, d.now())

		case cfg := <-c.reload:
			eng := cfg.Engine()
			d.builder.SetConfig(eng)
			d.interval = cfg.Heartbeat()
			d.tracker.SetConfig(statusConfig(cfg))
			if d.onReload != nil {
				d.onReload(cfg)
			}
			logHazards(eng)
			slog.Info("config: applied",
				"active_time", eng.ActiveTime, "manifest_size", eng.ManifestSize,
				"cooldown_time", eng.CooldownTime, "refresh_time", eng.RefreshTime)
		}
	}
}

// applyEvent hands one decoded customer event to the store. The event's own
// timestamp is the activation time.
func applyEvent(d deps, ev mqtt.Event) {
	switch ev.Type {
	case mqtt.EventStart:
		if !d.store.Start(ev.Phone, ev.Timestamp, ev.Info) {
			slog.Debug("event: stale start ignored", "phone", ev.Phone, "timestamp", ev.Timestamp)
			return
		}
		d.tracker.RecordStart()
		slog.Debug("event: start", "phone", ev.Phone, "region", ev.Info.Region)
	case mqtt.EventStop:
		found := d.store.Stop(ev.Phone, ev.Timestamp)
		d.tracker.RecordStop(found)
		slog.Debug("event: stop", "phone", ev.Phone, "known", found)
	}
}

// publishManifest builds one manifest and hands it to the publisher. A
// failed publish is logged and counted; it is never retried.
func publishManifest(d deps, t time.Time) {
	m := d.builder.Build(t)
	msg := mqtt.NewManifestMessage(m)

	if m.Truncated > 0 {
		slog.Warn("manifest: capacity exhausted, dropped fresh customers",
			"truncated", m.Truncated, "manifest_size", d.builder.Config().ManifestSize)
	}

	err := d.pub.PublishManifest(msg)
	d.tracker.RecordManifest(msg.ID, m, err)
	if err != nil {
		slog.Error("manifest: publish failed", "id", msg.ID, "records", m.Len(), "err", err)
	} else {
		slog.Info("manifest: published", "id", msg.ID, "records", m.Len(),
			"demoted", m.Demoted, "released", m.Sweep.Released)
		if d.live != nil {
			if payload, perr := mqtt.FormatManifestPayload(msg); perr == nil {
				d.live.Broadcast(payload)
			}
		}
	}
	refreshStatus(d, t)
}

func refreshStatus(d deps, t time.Time) {
	d.tracker.SetStoreCounts(d.store.Counts(t, d.builder.Config().ActiveTime))
	if d.conn != nil {
		d.tracker.SetMQTTConnected(d.conn.IsConnected())
	}
}

// shutdown stops intake, applies events already queued, and announces the
// shutdown. No manifest is published.
func shutdown(d deps, events <-chan mqtt.Event, reason string) {
	if err := d.sub.Unsubscribe(); err != nil {
		slog.Error("main: unsubscribe failed", "err", err)
	}

	drained := 0
	for done := false; !done; {
		select {
		case ev := <-events:
			applyEvent(d, ev)
			drained++
		default:
			done = true
		}
	}
	if drained > 0 {
		slog.Info("main: drained queued events", "count", drained)
	}

	refreshStatus(d, d.now())
	snap := d.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.SystemShutdown,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.SystemShutdown, reason),
	}
	if err := d.pub.PublishSystem(event); err != nil {
		slog.Error("main: failed to publish shutdown event", "err", err)
	} else {
		slog.Info("main: published shutdown event")
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
