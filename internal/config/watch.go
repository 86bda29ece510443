package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Tuning is the part of Config that can change while the service runs.
// Everything else is bound at startup.
type Tuning struct {
	ActiveTime    int
	ManifestSize  int
	CooldownTime  int
	RefreshTime   int
	SweepTime     int
	HeartbeatTime int
	LogLevel      string
}

// Tuning returns the live-tunable keys of c.
func (c *Config) Tuning() Tuning {
	return Tuning{
		ActiveTime:    c.ActiveTime,
		ManifestSize:  c.ManifestSize,
		CooldownTime:  c.CooldownTime,
		RefreshTime:   c.RefreshTime,
		SweepTime:     c.SweepTime,
		HeartbeatTime: c.HeartbeatTime,
		LogLevel:      c.LogLevel,
	}
}

// withTuning returns a copy of c carrying t.
func (c *Config) withTuning(t Tuning) *Config {
	next := *c
	next.ActiveTime = t.ActiveTime
	next.ManifestSize = t.ManifestSize
	next.CooldownTime = t.CooldownTime
	next.RefreshTime = t.RefreshTime
	next.SweepTime = t.SweepTime
	next.HeartbeatTime = t.HeartbeatTime
	next.LogLevel = t.LogLevel
	return &next
}

// restartKeys names the startup-bound keys that differ between a and b.
func restartKeys(a, b *Config) []string {
	var keys []string
	if a.HTTPAddr != b.HTTPAddr {
		keys = append(keys, "http_addr")
	}
	if a.MQTT.Broker != b.MQTT.Broker {
		keys = append(keys, "mqtt.broker")
	}
	if a.MQTT.ClientID != b.MQTT.ClientID {
		keys = append(keys, "mqtt.client_id")
	}
	if a.MQTT.Username != b.MQTT.Username || a.MQTT.PasswordEnv != b.MQTT.PasswordEnv {
		keys = append(keys, "mqtt.credentials")
	}
	if a.MQTT.EventTopic != b.MQTT.EventTopic ||
		a.MQTT.ManifestTopic != b.MQTT.ManifestTopic ||
		a.MQTT.SystemTopic != b.MQTT.SystemTopic {
		keys = append(keys, "mqtt.topics")
	}
	if a.MQTT.QoS != b.MQTT.QoS {
		keys = append(keys, "mqtt.qos")
	}
	return keys
}

// merge applies the tuning of loaded onto running. It reports false when the
// tuning is unchanged, in which case nothing needs to be applied.
func merge(running, loaded *Config) (*Config, bool) {
	if keys := restartKeys(running, loaded); len(keys) > 0 {
		slog.Warn("config: changes ignored until restart", "keys", keys)
	}
	if loaded.Tuning() == running.Tuning() {
		return running, false
	}
	return running.withTuning(loaded.Tuning()), true
}

// Watch monitors path and calls onChange whenever a write changes the tuning
// keys. The Config passed to onChange is running with the new tuning merged
// in; broker, topic and HTTP settings keep their startup values. It runs
// until ctx is cancelled.
//
// A reload that fails to load or validate is logged and the previous config
// stays in effect.
func Watch(ctx context.Context, path string, running *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching tuning keys", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so catch Create as well as Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			loaded, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}

			next, changed := merge(running, loaded)
			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)
			if !changed {
				slog.Debug("config: no tuning change", "path", path)
				continue
			}
			running = next
			slog.Info("config: reloaded", "path", path)
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
