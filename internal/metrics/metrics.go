// Registers:
//
//	#chainflow_events_total, #chainflow_decode_errors_total
//	#chainflow_transform_errors_total, #chainflow_late_drops_total
//	#chainflow_derived_total, #chainflow_checkpoint_* series
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP
// handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	eventsTotal     *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	transformErrors *prometheus.CounterVec
	lateDrops       prometheus.Counter
	derivedTotal    *prometheus.CounterVec
	checkpointOK    prometheus.Counter
	checkpointErr   prometheus.Counter
	checkpointDur   prometheus.Histogram
	degraded        prometheus.Gauge
	channelLength   *prometheus.GaugeVec
	sinkErrors      *prometheus.CounterVec
)

// Init registers the engine metric series and starts the scrape
// endpoint. Addr falls back to :2112 when empty.
func Init(addr string) {
	once.Do(func() {
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_events_total",
				Help: "Source events accepted per kind",
			},
			[]string{"kind"},
		)
		decodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_decode_errors_total",
				Help: "Source payloads rejected at decode or validation",
			},
			[]string{"topic"},
		)
		transformErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_transform_errors_total",
				Help: "Events skipped by a failing transform",
			},
			[]string{"transform"},
		)
		lateDrops = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainflow_late_drops_total",
			Help: "Trades beyond the lateness tolerance dropped from candles",
		})
		derivedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_derived_total",
				Help: "Derived records emitted per subject",
			},
			[]string{"subject"},
		)
		checkpointOK = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainflow_checkpoint_success_total",
			Help: "Checkpoints written",
		})
		checkpointErr = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainflow_checkpoint_errors_total",
			Help: "Failed snapshot write attempts",
		})
		checkpointDur = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainflow_checkpoint_duration_seconds",
			Help:    "Wall time per checkpoint",
			Buckets: prometheus.DefBuckets,
		})
		degraded = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainflow_degraded_durability",
			Help: "1 while checkpoints are failing and state is memory-only",
		})
		channelLength = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainflow_channel_length",
				Help: "Buffered entries per pipeline channel",
			},
			[]string{"channel"},
		)
		sinkErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainflow_sink_errors_total",
				Help: "Failed egress deliveries per sink",
			},
			[]string{"sink"},
		)

		_ = prometheus.Register(eventsTotal)
		_ = prometheus.Register(decodeErrors)
		_ = prometheus.Register(transformErrors)
		_ = prometheus.Register(lateDrops)
		_ = prometheus.Register(derivedTotal)
		_ = prometheus.Register(checkpointOK)
		_ = prometheus.Register(checkpointErr)
		_ = prometheus.Register(checkpointDur)
		_ = prometheus.Register(degraded)
		_ = prometheus.Register(channelLength)
		_ = prometheus.Register(sinkErrors)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = "0.0.0.0:2112"
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementEvent counts one accepted source event.
func IncrementEvent(kind string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(kind).Inc()
	}
}

// IncrementDecodeError counts one rejected payload.
func IncrementDecodeError(topic string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(topic).Inc()
	}
}

// IncrementTransformError counts one event skipped by a transform.
func IncrementTransformError(transform string) {
	if transformErrors != nil {
		transformErrors.WithLabelValues(transform).Inc()
	}
}

// AddLateDrops adds to the dropped-late-trade counter.
func AddLateDrops(n float64) {
	if lateDrops != nil && n > 0 {
		lateDrops.Add(n)
	}
}

// IncrementDerived counts one emitted derived record.
func IncrementDerived(subject string) {
	if derivedTotal != nil {
		derivedTotal.WithLabelValues(subject).Inc()
	}
}

// ObserveCheckpoint records a successful checkpoint.
func ObserveCheckpoint(seconds float64) {
	if checkpointOK != nil {
		checkpointOK.Inc()
		checkpointDur.Observe(seconds)
	}
}

// IncrementCheckpointError counts one failed snapshot write.
func IncrementCheckpointError() {
	if checkpointErr != nil {
		checkpointErr.Inc()
	}
}

// SetDegraded flips the degraded-durability gauge.
func SetDegraded(v bool) {
	if degraded == nil {
		return
	}
	if v {
		degraded.Set(1)
	} else {
		degraded.Set(0)
	}
}

// SetChannelLength updates one channel occupancy gauge.
func SetChannelLength(channel string, length int) {
	if channelLength != nil {
		channelLength.WithLabelValues(channel).Set(float64(length))
	}
}

// IncrementSinkError counts one failed egress delivery.
func IncrementSinkError(sink string) {
	if sinkErrors != nil {
		sinkErrors.WithLabelValues(sink).Inc()
	}
}
