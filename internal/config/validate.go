package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"statusmon/internal/storage"
)

// checkpointParser accepts both 5 and 6 field specs plus descriptors.
var checkpointParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCheckpoint parses storage.checkpoint.
func ParseCheckpoint(spec string) (cron.Schedule, error) {
	s, err := checkpointParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("storage.checkpoint: %w", err)
	}
	return s, nil
}

// Validate checks everything that can be checked without side effects.
// It runs on load and before a hot reload is committed.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	name := strings.TrimSpace(c.Node.Name)
	if name == "" {
		add(errors.New("node.name is required"))
	} else if strings.Contains(name, ".") {
		add(fmt.Errorf("node.name %q: must not contain '.'", name))
	}
	for _, ch := range c.Node.Channels {
		if strings.TrimSpace(ch) == "" {
			add(errors.New("node.channels: empty channel name"))
		}
	}

	if c.PubSub.Workers < 0 {
		add(errors.New("pubsub.workers must be >= 0"))
	}
	if c.PubSub.QueueSize < 0 {
		add(errors.New("pubsub.queue_size must be >= 0"))
	}
	for agg, parts := range c.PubSub.Aggregates {
		for _, p := range parts {
			if p == agg {
				add(fmt.Errorf("pubsub.aggregates.%s: contains itself", agg))
			}
		}
	}

	m := c.Logging.Monitor
	if m.RatePerSec < 0 {
		add(errors.New("logging.monitor.rate_per_sec must be >= 0"))
	}
	if m.BufferLimit < 0 {
		add(errors.New("logging.monitor.buffer_limit must be >= 0"))
	}

	if _, _, err := c.StorageBackend(); err != nil {
		add(err)
	}
	if c.Storage != nil && strings.TrimSpace(c.Storage.Checkpoint) != "" {
		_, err := ParseCheckpoint(c.Storage.Checkpoint)
		add(err)
	}

	for _, f := range c.durationFields() {
		_, err := f.value()
		add(err)
	}

	for i, p := range c.Peers {
		u, err := url.Parse(strings.TrimSpace(p.URL))
		if err != nil {
			add(fmt.Errorf("peers[%d].url: %w", i, err))
			continue
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			add(fmt.Errorf("peers[%d].url: scheme must be ws or wss, got %q", i, u.Scheme))
		}
	}
	return errors.Join(errs...)
}

// StorageBackend maps the storage section onto storage.Config. The bool is
// false when persistence is disabled.
func (c *Config) StorageBackend() (storage.Config, bool, error) {
	if c == nil || c.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := c.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file", "json":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := c.Duration("storage.busy_timeout")
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "badger":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=badger")
		}
		return storage.Config{Driver: "badger", Path: path}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
