package metrics

import (
	"context"
	"time"

	"chainflow/internal/channel"
)

// StartChannelSizeMetrics samples pipeline channel occupancy into the
// channel-length gauges every interval until the context is cancelled.
// When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, occ := range channels.Occupancy() {
					SetChannelLength(name, occ[0])
				}
			}
		}
	}()
}
