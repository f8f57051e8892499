package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuration marks a duration setting that does not parse or is negative.
var ErrDuration = errors.New("bad duration")

// durationField is one duration-valued setting. An empty value takes def.
// A zero value takes def too, unless zeroOff is set, in which case zero
// turns the feature off.
type durationField struct {
	path    string
	raw     string
	def     time.Duration
	zeroOff bool
}

func (f durationField) value() (time.Duration, error) {
	s := strings.TrimSpace(f.raw)
	if s == "" {
		return f.def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a Go duration (e.g. 250ms, 10s, 1m)", ErrDuration, f.path, f.raw)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%w: %s: %q is negative", ErrDuration, f.path, f.raw)
	case d == 0 && !f.zeroOff:
		return f.def, nil
	}
	return d, nil
}

// durationFields lists every duration setting of the node. Zero defaults
// leave the choice to the component (pubsub picks its own).
func (c *Config) durationFields() []durationField {
	fields := []durationField{
		{path: "node.late_threshold", raw: c.Node.LateThreshold, def: 10 * time.Second},
		{path: "node.status_interval", raw: c.Node.StatusInterval, def: 30 * time.Second, zeroOff: true},
		{path: "pubsub.failure_limit", raw: c.PubSub.FailureLimit},
		{path: "pubsub.delivery_timeout", raw: c.PubSub.DeliveryTimeout},
		{path: "logging.monitor.interval", raw: c.Logging.Monitor.Interval, def: 250 * time.Millisecond},
		{path: "server.read_timeout", raw: c.Server.ReadTimeout, def: 15 * time.Second},
		{path: "server.idle_timeout", raw: c.Server.IdleTimeout, def: 60 * time.Second},
	}
	if c.Storage != nil {
		fields = append(fields, durationField{path: "storage.busy_timeout", raw: c.Storage.BusyTimeout, def: time.Second})
	}
	return fields
}

// Duration returns the duration setting at path (e.g. "node.late_threshold")
// with its default applied.
func (c *Config) Duration(path string) (time.Duration, error) {
	for _, f := range c.durationFields() {
		if f.path == path {
			return f.value()
		}
	}
	return 0, fmt.Errorf("%w: %s: no such setting", ErrDuration, path)
}
