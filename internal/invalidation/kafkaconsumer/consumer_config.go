package kafkaconsumer

import (
	"time"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// ReplayWindow bounds how many tables the replay guard remembers.
	ReplayWindow int
}

// ConfigFrom fills the group timings around the configured brokers,
// topic and group. Schema changes only matter going forward, so a new
// group starts at the newest offset.
func ConfigFrom(c config.InvalidationConfig) Config {
	return Config{
		Brokers:          config.SplitCSV(c.Brokers),
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		ReplayWindow:     4096,
	}
}
