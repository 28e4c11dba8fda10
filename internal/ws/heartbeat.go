package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds keepalive tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping; 0 disables keepalive
	Timeout  time.Duration // max silence allowed past Interval before the link is considered dead
}

var errHeartbeatTimeout = errors.New("ws: heartbeat timeout")

// keepalive pings the server every Interval until ctx is done or stop is
// closed. A connection that has not produced any read within Interval +
// Timeout, or whose ping write fails, is reported through fail.
func keepalive(ctx context.Context, stop <-chan struct{}, c *Connection, cfg HeartbeatConfig, writeTimeout time.Duration, fail func(error)) {
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	deadline := cfg.Interval + cfg.Timeout
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		if idle := time.Since(c.LastActivity()); cfg.Timeout > 0 && idle > deadline {
			log.Warn().Msgf("[ws] heartbeat timeout, last activity %s ago", idle.Round(time.Millisecond))
			fail(errHeartbeatTimeout)
			return
		}
		if err := c.WritePing(writeTimeout); err != nil {
			log.Warn().Err(err).Msg("[ws] heartbeat ping failed")
			fail(err)
			return
		}
	}
}
