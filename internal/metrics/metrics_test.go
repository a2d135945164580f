package metrics

import (
	"context"
	"testing"
	"time"

	"chainflow/internal/channel"
)

func TestCountersNoopBeforeInit(t *testing.T) {
	// Helpers must be safe to call before Init wires the registry.
	IncrementEvent("trade")
	IncrementDecodeError("trades")
	IncrementTransformError("token-candles")
	AddLateDrops(2)
	IncrementDerived("candles")
	ObserveCheckpoint(0.5)
	IncrementCheckpointError()
	SetDegraded(true)
	SetDegraded(false)
	SetChannelLength("events", 3)
	IncrementSinkError("clickhouse")
}

func TestStartChannelSizeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, channel.NewChannels(1, 1), time.Millisecond)
	StartChannelSizeMetrics(ctx, nil, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
}
