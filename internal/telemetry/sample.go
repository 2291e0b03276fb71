// Package telemetry defines the merged per-second sample model. Inside
// the engine every metric is a pointer field where nil means "no data";
// the flat sentinel representation required by downstream consumers is
// produced only at the serialization edge (see record.go).
package telemetry

import "time"

// FrameMetrics carries frame-timing values attributed to the benchmarked
// process by the upstream capture session, plus the cumulative frame-time
// percentiles maintained by the orchestrator during the Running phase.
type FrameMetrics struct {
	ProcessID        *int     `json:"process_id"`
	FPS              *float64 `json:"fps"`
	FrameTimeAvgMs   *float64 `json:"frame_time_avg_ms"`
	FrameTimeMinMs   *float64 `json:"frame_time_min_ms"`
	FrameTimeMaxMs   *float64 `json:"frame_time_max_ms"`
	PresentLatencyMs *float64 `json:"present_latency_ms"`
	FramesPresented  *uint64  `json:"frames_presented"`

	FrameTimeP50Ms           *float64 `json:"frame_time_p50_ms"`
	FrameTimeP95Ms           *float64 `json:"frame_time_p95_ms"`
	FrameTimeP99Ms           *float64 `json:"frame_time_p99_ms"`
	FrameTimeOnePercentLowMs *float64 `json:"frame_time_one_percent_low_ms"`
}

// GPUMetrics carries vendor telemetry. High-frequency fields refresh
// every tick, medium-frequency fields at the collector's slower tier,
// static fields once per process lifetime.
type GPUMetrics struct {
	// High frequency.
	UtilizationPct *float64 `json:"utilization_pct"`
	CoreClockMHz   *float64 `json:"core_clock_mhz"`
	MemClockMHz    *float64 `json:"mem_clock_mhz"`
	VRAMUsedBytes  *uint64  `json:"vram_used_bytes"`
	VRAMTotalBytes *uint64  `json:"vram_total_bytes"`
	GTTUsedBytes   *uint64  `json:"gtt_used_bytes"`
	GTTTotalBytes  *uint64  `json:"gtt_total_bytes"`
	EncoderBusyPct *float64 `json:"encoder_busy_pct"`
	DecoderBusyPct *float64 `json:"decoder_busy_pct"`
	FanRPM         *float64 `json:"fan_rpm"`

	// Medium frequency, subject to the 6 s staleness rule.
	TemperatureC   *float64 `json:"temperature_c"`
	HotspotTempC   *float64 `json:"hotspot_temp_c"`
	PowerDrawW     *float64 `json:"power_draw_w"`
	MemBandwidthPct *float64 `json:"mem_bandwidth_pct"`
	PCIeRxKBPerSec *float64 `json:"pcie_rx_kb_per_sec"`
	PCIeTxKBPerSec *float64 `json:"pcie_tx_kb_per_sec"`

	// Static, fetched once.
	DeviceName    *string `json:"device_name"`
	DriverVersion *string `json:"driver_version"`
	PCIeLinkWidth *int    `json:"pcie_link_width"`
	PCIeLinkGen   *int    `json:"pcie_link_gen"`
}

// CPUMetrics carries scheduler/interrupt rates from the kernel tracing
// session plus coarse utilization from procfs.
type CPUMetrics struct {
	ContextSwitchesPerSec            *float64 `json:"context_switches_per_sec"`
	VoluntaryContextSwitchesPerSec   *float64 `json:"voluntary_context_switches_per_sec"`
	InvoluntaryContextSwitchesPerSec *float64 `json:"involuntary_context_switches_per_sec"`
	InterruptsPerSec                 *float64 `json:"interrupts_per_sec"`
	DpcsPerSec                       *float64 `json:"dpcs_per_sec"`
	UsagePct                         *float64 `json:"usage_pct"`
	UserPct                          *float64 `json:"user_pct"`
	SystemPct                        *float64 `json:"system_pct"`
	CoreCount                        *int     `json:"core_count"`
}

// MemoryMetrics carries system memory occupancy.
type MemoryMetrics struct {
	UsedBytes      *uint64 `json:"used_bytes"`
	AvailableBytes *uint64 `json:"available_bytes"`
	TotalBytes     *uint64 `json:"total_bytes"`
}

// DiskMetrics carries I/O rates and latency derived from correlated
// start/completion block events.
type DiskMetrics struct {
	ReadOpsPerSec    *float64 `json:"read_ops_per_sec"`
	WriteOpsPerSec   *float64 `json:"write_ops_per_sec"`
	ReadBytesPerSec  *float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec *float64 `json:"write_bytes_per_sec"`
	AvgLatencyMs     *float64 `json:"avg_latency_ms"`
	MaxLatencyMs     *float64 `json:"max_latency_ms"`
	ReadLatencyAvgMs  *float64 `json:"read_latency_avg_ms"`
	WriteLatencyAvgMs *float64 `json:"write_latency_avg_ms"`
	PendingOps       *uint64  `json:"pending_ops"`
}

// ProviderTimes records when each provider cache last updated. Zero
// means the provider never reported.
type ProviderTimes struct {
	Frame time.Time `json:"frame"`
	CPU   time.Time `json:"cpu"`
	Disk  time.Time `json:"disk"`
	GPU   time.Time `json:"gpu"`
}

// Sample is one coherent per-second snapshot assembled by the
// orchestrator from the latest cache of every provider. It is built
// fresh each tick and discarded after being handed to collaborators.
type Sample struct {
	Timestamp time.Time     `json:"ts"`
	Frame     FrameMetrics  `json:"frame"`
	GPU       GPUMetrics    `json:"gpu"`
	CPU       CPUMetrics    `json:"cpu"`
	Memory    MemoryMetrics `json:"memory"`
	Disk      DiskMetrics   `json:"disk"`
	Providers ProviderTimes `json:"providers"`
}

// Merge copies fields from donor into s wherever s has no value yet. A
// field one source already populated is never overwritten with another
// source's value.
func (s *Sample) Merge(donor *Sample) {
	if donor == nil {
		return
	}
	mergeFrame(&s.Frame, &donor.Frame)
	mergeGPU(&s.GPU, &donor.GPU)
	mergeCPU(&s.CPU, &donor.CPU)
	mergeMemory(&s.Memory, &donor.Memory)
	mergeDisk(&s.Disk, &donor.Disk)

	if s.Providers.Frame.IsZero() {
		s.Providers.Frame = donor.Providers.Frame
	}
	if s.Providers.CPU.IsZero() {
		s.Providers.CPU = donor.Providers.CPU
	}
	if s.Providers.Disk.IsZero() {
		s.Providers.Disk = donor.Providers.Disk
	}
	if s.Providers.GPU.IsZero() {
		s.Providers.GPU = donor.Providers.GPU
	}
}

func mergeFrame(dst, src *FrameMetrics) {
	mergeIntPtr(&dst.ProcessID, src.ProcessID)
	mergeFloatPtr(&dst.FPS, src.FPS)
	mergeFloatPtr(&dst.FrameTimeAvgMs, src.FrameTimeAvgMs)
	mergeFloatPtr(&dst.FrameTimeMinMs, src.FrameTimeMinMs)
	mergeFloatPtr(&dst.FrameTimeMaxMs, src.FrameTimeMaxMs)
	mergeFloatPtr(&dst.PresentLatencyMs, src.PresentLatencyMs)
	mergeUintPtr(&dst.FramesPresented, src.FramesPresented)
	mergeFloatPtr(&dst.FrameTimeP50Ms, src.FrameTimeP50Ms)
	mergeFloatPtr(&dst.FrameTimeP95Ms, src.FrameTimeP95Ms)
	mergeFloatPtr(&dst.FrameTimeP99Ms, src.FrameTimeP99Ms)
	mergeFloatPtr(&dst.FrameTimeOnePercentLowMs, src.FrameTimeOnePercentLowMs)
}

func mergeGPU(dst, src *GPUMetrics) {
	mergeFloatPtr(&dst.UtilizationPct, src.UtilizationPct)
	mergeFloatPtr(&dst.CoreClockMHz, src.CoreClockMHz)
	mergeFloatPtr(&dst.MemClockMHz, src.MemClockMHz)
	mergeUintPtr(&dst.VRAMUsedBytes, src.VRAMUsedBytes)
	mergeUintPtr(&dst.VRAMTotalBytes, src.VRAMTotalBytes)
	mergeUintPtr(&dst.GTTUsedBytes, src.GTTUsedBytes)
	mergeUintPtr(&dst.GTTTotalBytes, src.GTTTotalBytes)
	mergeFloatPtr(&dst.EncoderBusyPct, src.EncoderBusyPct)
	mergeFloatPtr(&dst.DecoderBusyPct, src.DecoderBusyPct)
	mergeFloatPtr(&dst.FanRPM, src.FanRPM)
	mergeFloatPtr(&dst.TemperatureC, src.TemperatureC)
	mergeFloatPtr(&dst.HotspotTempC, src.HotspotTempC)
	mergeFloatPtr(&dst.PowerDrawW, src.PowerDrawW)
	mergeFloatPtr(&dst.MemBandwidthPct, src.MemBandwidthPct)
	mergeFloatPtr(&dst.PCIeRxKBPerSec, src.PCIeRxKBPerSec)
	mergeFloatPtr(&dst.PCIeTxKBPerSec, src.PCIeTxKBPerSec)
	mergeStringPtr(&dst.DeviceName, src.DeviceName)
	mergeStringPtr(&dst.DriverVersion, src.DriverVersion)
	mergeIntPtr(&dst.PCIeLinkWidth, src.PCIeLinkWidth)
	mergeIntPtr(&dst.PCIeLinkGen, src.PCIeLinkGen)
}

func mergeCPU(dst, src *CPUMetrics) {
	mergeFloatPtr(&dst.ContextSwitchesPerSec, src.ContextSwitchesPerSec)
	mergeFloatPtr(&dst.VoluntaryContextSwitchesPerSec, src.VoluntaryContextSwitchesPerSec)
	mergeFloatPtr(&dst.InvoluntaryContextSwitchesPerSec, src.InvoluntaryContextSwitchesPerSec)
	mergeFloatPtr(&dst.InterruptsPerSec, src.InterruptsPerSec)
	mergeFloatPtr(&dst.DpcsPerSec, src.DpcsPerSec)
	mergeFloatPtr(&dst.UsagePct, src.UsagePct)
	mergeFloatPtr(&dst.UserPct, src.UserPct)
	mergeFloatPtr(&dst.SystemPct, src.SystemPct)
	mergeIntPtr(&dst.CoreCount, src.CoreCount)
}

func mergeMemory(dst, src *MemoryMetrics) {
	mergeUintPtr(&dst.UsedBytes, src.UsedBytes)
	mergeUintPtr(&dst.AvailableBytes, src.AvailableBytes)
	mergeUintPtr(&dst.TotalBytes, src.TotalBytes)
}

func mergeDisk(dst, src *DiskMetrics) {
	mergeFloatPtr(&dst.ReadOpsPerSec, src.ReadOpsPerSec)
	mergeFloatPtr(&dst.WriteOpsPerSec, src.WriteOpsPerSec)
	mergeFloatPtr(&dst.ReadBytesPerSec, src.ReadBytesPerSec)
	mergeFloatPtr(&dst.WriteBytesPerSec, src.WriteBytesPerSec)
	mergeFloatPtr(&dst.AvgLatencyMs, src.AvgLatencyMs)
	mergeFloatPtr(&dst.MaxLatencyMs, src.MaxLatencyMs)
	mergeFloatPtr(&dst.ReadLatencyAvgMs, src.ReadLatencyAvgMs)
	mergeFloatPtr(&dst.WriteLatencyAvgMs, src.WriteLatencyAvgMs)
	mergeUintPtr(&dst.PendingOps, src.PendingOps)
}

func mergeFloatPtr(dst **float64, src *float64) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func mergeUintPtr(dst **uint64, src *uint64) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func mergeIntPtr(dst **int, src *int) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func mergeStringPtr(dst **string, src *string) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

// Float returns a pointer to value. Convenience for providers building
// partial samples.
func Float(value float64) *float64 {
	v := value
	return &v
}

// Uint returns a pointer to value.
func Uint(value uint64) *uint64 {
	v := value
	return &v
}

// Int returns a pointer to value.
func Int(value int) *int {
	v := value
	return &v
}

// String returns a pointer to value.
func String(value string) *string {
	v := value
	return &v
}
