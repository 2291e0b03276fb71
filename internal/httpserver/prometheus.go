package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benchpulse/benchpulse/internal/telemetry"
)

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "benchpulse",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "benchpulse",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "benchpulse",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "benchpulse",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "benchpulse",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "benchpulse",
			Subsystem: "ingest",
			Name:      "frame_reports_total",
			Help:      "Total frame-timing reports accepted from the capture agent.",
		}, func() float64 {
			return float64(s.framesPushed.Load())
		}),
	}

	collectors = append(collectors, s.engineCollectors()...)

	if sampleCollector := newSampleCollector(s.hub); sampleCollector != nil {
		collectors = append(collectors, sampleCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// engineCollectors exposes the health counters of whichever providers
// are running.
func (s *Server) engineCollectors() []prometheus.Collector {
	var collectors []prometheus.Collector

	if cpu := s.engine.CPU; cpu != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "benchpulse",
				Subsystem: "cputrack",
				Name:      "events_processed_total",
				Help:      "Total kernel scheduler and interrupt events parsed.",
			}, func() float64 {
				return float64(cpu.EventsProcessed())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "benchpulse",
				Subsystem: "cputrack",
				Name:      "abandoned_readers_total",
				Help:      "Reader goroutines abandoned after missing the stop deadline.",
			}, func() float64 {
				return float64(cpu.AbandonedThreads())
			}),
		)
	}

	if disk := s.engine.Disk; disk != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "benchpulse",
				Subsystem: "disktrack",
				Name:      "events_processed_total",
				Help:      "Total block layer events parsed.",
			}, func() float64 {
				return float64(disk.EventsProcessed())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "benchpulse",
				Subsystem: "disktrack",
				Name:      "abandoned_readers_total",
				Help:      "Reader goroutines abandoned after missing the stop deadline.",
			}, func() float64 {
				return float64(disk.AbandonedThreads())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "benchpulse",
				Subsystem: "disktrack",
				Name:      "evicted_pending_total",
				Help:      "Pending I/O correlation entries evicted without a completion.",
			}, func() float64 {
				return float64(disk.EvictedPending())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "benchpulse",
				Subsystem: "disktrack",
				Name:      "pending_requests",
				Help:      "In-flight block requests awaiting completion.",
			}, func() float64 {
				return float64(disk.PendingSize())
			}),
		)
	}

	if gpu := s.engine.GPU; gpu != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "benchpulse",
				Subsystem: "gputrack",
				Name:      "consecutive_failures",
				Help:      "Consecutive failed GPU polls since the last success.",
			}, func() float64 {
				return float64(gpu.ConsecutiveFailures())
			}),
		)
	}

	return collectors
}

// sampleCollector exports the latest merged sample. Optional fields
// that carry no data are simply absent from the scrape.
type sampleCollector struct {
	hub     *Hub
	metrics []sampleMetric
}

type sampleMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(sample telemetry.Sample) (float64, bool)
}

func newSampleCollector(hub *Hub) prometheus.Collector {
	if hub == nil {
		return nil
	}

	collector := &sampleCollector{hub: hub}

	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("benchpulse", subsystem, name),
			help,
			nil,
			nil,
		)
	}

	floatGauge := func(subsystem, name, help string, pick func(sample telemetry.Sample) *float64) sampleMetric {
		return sampleMetric{
			desc:      desc(subsystem, name, help),
			valueType: prometheus.GaugeValue,
			extract: func(sample telemetry.Sample) (float64, bool) {
				v := pick(sample)
				if v == nil {
					return 0, false
				}
				return *v, true
			},
		}
	}
	uintGauge := func(subsystem, name, help string, pick func(sample telemetry.Sample) *uint64) sampleMetric {
		return sampleMetric{
			desc:      desc(subsystem, name, help),
			valueType: prometheus.GaugeValue,
			extract: func(sample telemetry.Sample) (float64, bool) {
				v := pick(sample)
				if v == nil {
					return 0, false
				}
				return float64(*v), true
			},
		}
	}

	collector.metrics = []sampleMetric{
		floatGauge("frame", "fps", "Frames per second reported by the capture agent.",
			func(s telemetry.Sample) *float64 { return s.Frame.FPS }),
		floatGauge("frame", "time_avg_ms", "Average frame time over the last report window.",
			func(s telemetry.Sample) *float64 { return s.Frame.FrameTimeAvgMs }),
		floatGauge("frame", "time_p50_ms", "Cumulative 50th percentile frame time for the active run.",
			func(s telemetry.Sample) *float64 { return s.Frame.FrameTimeP50Ms }),
		floatGauge("frame", "time_p95_ms", "Cumulative 95th percentile frame time for the active run.",
			func(s telemetry.Sample) *float64 { return s.Frame.FrameTimeP95Ms }),
		floatGauge("frame", "time_p99_ms", "Cumulative 99th percentile frame time for the active run.",
			func(s telemetry.Sample) *float64 { return s.Frame.FrameTimeP99Ms }),
		floatGauge("frame", "one_percent_low_ms", "Mean of the slowest one percent of frame times.",
			func(s telemetry.Sample) *float64 { return s.Frame.FrameTimeOnePercentLowMs }),
		floatGauge("gpu", "utilization_percent", "Current graphics engine busy percentage.",
			func(s telemetry.Sample) *float64 { return s.GPU.UtilizationPct }),
		floatGauge("gpu", "core_clock_mhz", "Current shader clock in MHz.",
			func(s telemetry.Sample) *float64 { return s.GPU.CoreClockMHz }),
		floatGauge("gpu", "mem_clock_mhz", "Current memory clock in MHz.",
			func(s telemetry.Sample) *float64 { return s.GPU.MemClockMHz }),
		uintGauge("gpu", "vram_used_bytes", "Current VRAM usage in bytes.",
			func(s telemetry.Sample) *uint64 { return s.GPU.VRAMUsedBytes }),
		uintGauge("gpu", "vram_total_bytes", "Total VRAM capacity in bytes.",
			func(s telemetry.Sample) *uint64 { return s.GPU.VRAMTotalBytes }),
		floatGauge("gpu", "temperature_celsius", "Current GPU temperature in Celsius.",
			func(s telemetry.Sample) *float64 { return s.GPU.TemperatureC }),
		floatGauge("gpu", "power_watts", "Current GPU power draw in Watts.",
			func(s telemetry.Sample) *float64 { return s.GPU.PowerDrawW }),
		floatGauge("gpu", "fan_rpm", "Current fan speed in RPM.",
			func(s telemetry.Sample) *float64 { return s.GPU.FanRPM }),
		floatGauge("cpu", "usage_percent", "Total CPU utilization.",
			func(s telemetry.Sample) *float64 { return s.CPU.UsagePct }),
		floatGauge("cpu", "context_switches_per_second", "Context switch rate from the kernel tracing session.",
			func(s telemetry.Sample) *float64 { return s.CPU.ContextSwitchesPerSec }),
		floatGauge("cpu", "interrupts_per_second", "Hardware interrupt rate from the kernel tracing session.",
			func(s telemetry.Sample) *float64 { return s.CPU.InterruptsPerSec }),
		uintGauge("memory", "used_bytes", "System memory in use.",
			func(s telemetry.Sample) *uint64 { return s.Memory.UsedBytes }),
		floatGauge("disk", "read_ops_per_second", "Completed read operations per second.",
			func(s telemetry.Sample) *float64 { return s.Disk.ReadOpsPerSec }),
		floatGauge("disk", "write_ops_per_second", "Completed write operations per second.",
			func(s telemetry.Sample) *float64 { return s.Disk.WriteOpsPerSec }),
		floatGauge("disk", "read_bytes_per_second", "Read throughput in bytes per second.",
			func(s telemetry.Sample) *float64 { return s.Disk.ReadBytesPerSec }),
		floatGauge("disk", "write_bytes_per_second", "Write throughput in bytes per second.",
			func(s telemetry.Sample) *float64 { return s.Disk.WriteBytesPerSec }),
		floatGauge("disk", "latency_avg_ms", "Average completion latency over the last window.",
			func(s telemetry.Sample) *float64 { return s.Disk.AvgLatencyMs }),
		{
			desc:      desc("sample", "timestamp_seconds", "Unix timestamp of the latest merged sample."),
			valueType: prometheus.GaugeValue,
			extract: func(sample telemetry.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return float64(sample.Timestamp.Unix()), true
			},
		},
		{
			desc:      desc("sample", "age_seconds", "Seconds elapsed since the latest merged sample was assembled."),
			valueType: prometheus.GaugeValue,
			extract: func(sample telemetry.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				age := time.Since(sample.Timestamp).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			},
		},
	}

	return collector
}

func (c *sampleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *sampleCollector) Collect(ch chan<- prometheus.Metric) {
	sample, ok := c.hub.Latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(sample)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value)
	}
}
