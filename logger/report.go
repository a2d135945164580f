package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type stageStat struct {
	records int64
	bytes   int64
}

var (
	errorsIngress  int64
	errorsEgress   int64
	warnsIngress   int64
	warnsEgress    int64
	eventsDecoded  int64
	candlesSealed  int64
	positionsSaved int64
	checkpoints    int64
	stages         sync.Map // map[string]*stageStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "router") {
		atomic.AddInt64(&warnsIngress, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsEgress, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "router") {
		atomic.AddInt64(&errorsIngress, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsEgress, 1)
	}
}

// IncrementEventDecoded records one decoded inbound event of the given size.
func IncrementEventDecoded(size int) {
	atomic.AddInt64(&eventsDecoded, 1)
	recordStage("ingress_decode", size)
}

// IncrementCandleSealed records one finalized candle emission.
func IncrementCandleSealed(size int) {
	atomic.AddInt64(&candlesSealed, 1)
	recordStage("candle_emit", size)
}

// IncrementPositionEmitted records one position overview emission.
func IncrementPositionEmitted(size int) {
	atomic.AddInt64(&positionsSaved, 1)
	recordStage("position_emit", size)
}

// IncrementCheckpoint records one completed state checkpoint.
func IncrementCheckpoint(size int64) {
	atomic.AddInt64(&checkpoints, 1)
	recordStage("checkpoint", int(size))
}

// RecordStageRecord lets any stage feed the periodic report.
func RecordStageRecord(name string, size int) {
	recordStage(name, size)
}

func recordStage(name string, size int) {
	v, _ := stages.LoadOrStore(name, &stageStat{})
	st := v.(*stageStat)
	atomic.AddInt64(&st.records, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	stageData := map[string]map[string]int64{}
	stages.Range(func(k, v any) bool {
		name := k.(string)
		st := v.(*stageStat)
		stageData[name] = map[string]int64{
			"records": atomic.LoadInt64(&st.records),
			"bytes":   atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_ingress":    atomic.LoadInt64(&errorsIngress),
		"errors_egress":     atomic.LoadInt64(&errorsEgress),
		"warns_ingress":     atomic.LoadInt64(&warnsIngress),
		"warns_egress":      atomic.LoadInt64(&warnsEgress),
		"events_decoded":    atomic.LoadInt64(&eventsDecoded),
		"candles_sealed":    atomic.LoadInt64(&candlesSealed),
		"positions_emitted": atomic.LoadInt64(&positionsSaved),
		"checkpoints":       atomic.LoadInt64(&checkpoints),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"stages":            stageData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("EventsDecoded"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsDecoded)))},
		{MetricName: aws.String("CandlesSealed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&candlesSealed)))},
		{MetricName: aws.String("PositionsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&positionsSaved)))},
		{MetricName: aws.String("Checkpoints"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&checkpoints)))},
		{MetricName: aws.String("ErrorsIngress"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsIngress)))},
		{MetricName: aws.String("ErrorsEgress"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsEgress)))},
	}

	for name, stats := range stageData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StageRecords"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["records"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StageBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
