package config

import (
	"reflect"
	"sort"
	"strings"

	logx "statusmon/pkg/logx"
)

// liveSections are applied by a hot reload; the rest need a restart.
var liveSections = map[string]bool{"logging": true, "node": true}

// SummarizeConfigChange lists the sections that differ and log fields
// describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs,
			logx.String("node.name", newCfg.Node.Name),
			logx.Any("node.channels", newCfg.NodeChannels()),
			logx.String("node.late_threshold", strings.TrimSpace(newCfg.Node.LateThreshold)),
		)
	}

	if !reflect.DeepEqual(oldCfg.PubSub, newCfg.PubSub) {
		changed = append(changed, "pubsub")
		attrs = append(attrs,
			logx.Int("pubsub.workers", newCfg.PubSub.Workers),
			logx.Int("pubsub.queue_size", newCfg.PubSub.QueueSize),
			logx.Int("pubsub.aggregates", len(newCfg.PubSub.Aggregates)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.monitor_enabled", newCfg.Logging.Monitor.Enabled),
			logx.String("logging.monitor_min_level", newCfg.Logging.Monitor.MinLevel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		sc, enabled, _ := newCfg.StorageBackend()
		attrs = append(attrs,
			logx.Bool("storage.enabled", enabled),
			logx.String("storage.driver", sc.Driver),
			logx.Bool("storage.path_set", sc.Path != ""),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
			logx.Bool("server.allow_insecure", newCfg.Server.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Peers, newCfg.Peers) {
		changed = append(changed, "peers")
		attrs = append(attrs, logx.Int("peers.count", len(newCfg.Peers)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that a hot reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
