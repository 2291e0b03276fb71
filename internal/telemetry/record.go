package telemetry

import "time"

// Sentinel values used at the persistence/wire boundary. Downstream
// consumers expect fixed-width rows, so absence is encoded in-band: -1
// for rates and latencies, 0 for simple counts, a named marker for
// strings. A sentinel is always distinguishable from a true reading
// because every -1 field is non-negative when populated.
const (
	SentinelRate   = -1.0
	SentinelCount  = uint64(0)
	SentinelString = "unavailable"
)

// Record is the wide flat row handed to persistence and wire consumers.
// Field order and names are part of the result-set format.
type Record struct {
	TimestampUnixMs int64 `json:"ts_unix_ms" cbor:"ts_unix_ms"`

	// Frame timing.
	ProcessID                int     `json:"process_id" cbor:"process_id"`
	FPS                      float64 `json:"fps" cbor:"fps"`
	FrameTimeAvgMs           float64 `json:"frame_time_avg_ms" cbor:"frame_time_avg_ms"`
	FrameTimeMinMs           float64 `json:"frame_time_min_ms" cbor:"frame_time_min_ms"`
	FrameTimeMaxMs           float64 `json:"frame_time_max_ms" cbor:"frame_time_max_ms"`
	PresentLatencyMs         float64 `json:"present_latency_ms" cbor:"present_latency_ms"`
	FramesPresented          uint64  `json:"frames_presented" cbor:"frames_presented"`
	FrameTimeP50Ms           float64 `json:"frame_time_p50_ms" cbor:"frame_time_p50_ms"`
	FrameTimeP95Ms           float64 `json:"frame_time_p95_ms" cbor:"frame_time_p95_ms"`
	FrameTimeP99Ms           float64 `json:"frame_time_p99_ms" cbor:"frame_time_p99_ms"`
	FrameTimeOnePercentLowMs float64 `json:"frame_time_one_percent_low_ms" cbor:"frame_time_one_percent_low_ms"`

	// GPU, high frequency.
	GPUUtilizationPct float64 `json:"gpu_utilization_pct" cbor:"gpu_utilization_pct"`
	GPUCoreClockMHz   float64 `json:"gpu_core_clock_mhz" cbor:"gpu_core_clock_mhz"`
	GPUMemClockMHz    float64 `json:"gpu_mem_clock_mhz" cbor:"gpu_mem_clock_mhz"`
	GPUVRAMUsedBytes  uint64  `json:"gpu_vram_used_bytes" cbor:"gpu_vram_used_bytes"`
	GPUVRAMTotalBytes uint64  `json:"gpu_vram_total_bytes" cbor:"gpu_vram_total_bytes"`
	GPUGTTUsedBytes   uint64  `json:"gpu_gtt_used_bytes" cbor:"gpu_gtt_used_bytes"`
	GPUGTTTotalBytes  uint64  `json:"gpu_gtt_total_bytes" cbor:"gpu_gtt_total_bytes"`
	GPUEncoderBusyPct float64 `json:"gpu_encoder_busy_pct" cbor:"gpu_encoder_busy_pct"`
	GPUDecoderBusyPct float64 `json:"gpu_decoder_busy_pct" cbor:"gpu_decoder_busy_pct"`
	GPUFanRPM         float64 `json:"gpu_fan_rpm" cbor:"gpu_fan_rpm"`

	// GPU, medium frequency.
	GPUTemperatureC    float64 `json:"gpu_temperature_c" cbor:"gpu_temperature_c"`
	GPUHotspotTempC    float64 `json:"gpu_hotspot_temp_c" cbor:"gpu_hotspot_temp_c"`
	GPUPowerDrawW      float64 `json:"gpu_power_draw_w" cbor:"gpu_power_draw_w"`
	GPUMemBandwidthPct float64 `json:"gpu_mem_bandwidth_pct" cbor:"gpu_mem_bandwidth_pct"`
	GPUPCIeRxKBPerSec  float64 `json:"gpu_pcie_rx_kb_per_sec" cbor:"gpu_pcie_rx_kb_per_sec"`
	GPUPCIeTxKBPerSec  float64 `json:"gpu_pcie_tx_kb_per_sec" cbor:"gpu_pcie_tx_kb_per_sec"`

	// GPU, static.
	GPUDeviceName    string `json:"gpu_device_name" cbor:"gpu_device_name"`
	GPUDriverVersion string `json:"gpu_driver_version" cbor:"gpu_driver_version"`
	GPUPCIeLinkWidth int    `json:"gpu_pcie_link_width" cbor:"gpu_pcie_link_width"`
	GPUPCIeLinkGen   int    `json:"gpu_pcie_link_gen" cbor:"gpu_pcie_link_gen"`

	// CPU.
	CPUContextSwitchesPerSec            float64 `json:"cpu_context_switches_per_sec" cbor:"cpu_context_switches_per_sec"`
	CPUVoluntaryContextSwitchesPerSec   float64 `json:"cpu_voluntary_context_switches_per_sec" cbor:"cpu_voluntary_context_switches_per_sec"`
	CPUInvoluntaryContextSwitchesPerSec float64 `json:"cpu_involuntary_context_switches_per_sec" cbor:"cpu_involuntary_context_switches_per_sec"`
	CPUInterruptsPerSec                 float64 `json:"cpu_interrupts_per_sec" cbor:"cpu_interrupts_per_sec"`
	CPUDpcsPerSec                       float64 `json:"cpu_dpcs_per_sec" cbor:"cpu_dpcs_per_sec"`
	CPUUsagePct                         float64 `json:"cpu_usage_pct" cbor:"cpu_usage_pct"`
	CPUUserPct                          float64 `json:"cpu_user_pct" cbor:"cpu_user_pct"`
	CPUSystemPct                        float64 `json:"cpu_system_pct" cbor:"cpu_system_pct"`
	CPUCoreCount                        int     `json:"cpu_core_count" cbor:"cpu_core_count"`

	// Memory.
	MemUsedBytes      uint64 `json:"mem_used_bytes" cbor:"mem_used_bytes"`
	MemAvailableBytes uint64 `json:"mem_available_bytes" cbor:"mem_available_bytes"`
	MemTotalBytes     uint64 `json:"mem_total_bytes" cbor:"mem_total_bytes"`

	// Disk.
	DiskReadOpsPerSec     float64 `json:"disk_read_ops_per_sec" cbor:"disk_read_ops_per_sec"`
	DiskWriteOpsPerSec    float64 `json:"disk_write_ops_per_sec" cbor:"disk_write_ops_per_sec"`
	DiskReadBytesPerSec   float64 `json:"disk_read_bytes_per_sec" cbor:"disk_read_bytes_per_sec"`
	DiskWriteBytesPerSec  float64 `json:"disk_write_bytes_per_sec" cbor:"disk_write_bytes_per_sec"`
	DiskAvgLatencyMs      float64 `json:"disk_avg_latency_ms" cbor:"disk_avg_latency_ms"`
	DiskMaxLatencyMs      float64 `json:"disk_max_latency_ms" cbor:"disk_max_latency_ms"`
	DiskReadLatencyAvgMs  float64 `json:"disk_read_latency_avg_ms" cbor:"disk_read_latency_avg_ms"`
	DiskWriteLatencyAvgMs float64 `json:"disk_write_latency_avg_ms" cbor:"disk_write_latency_avg_ms"`
	DiskPendingOps        uint64  `json:"disk_pending_ops" cbor:"disk_pending_ops"`

	// Provider cache ages, -1 when the provider never reported.
	FrameUpdatedUnixMs int64 `json:"frame_updated_unix_ms" cbor:"frame_updated_unix_ms"`
	CPUUpdatedUnixMs   int64 `json:"cpu_updated_unix_ms" cbor:"cpu_updated_unix_ms"`
	DiskUpdatedUnixMs  int64 `json:"disk_updated_unix_ms" cbor:"disk_updated_unix_ms"`
	GPUUpdatedUnixMs   int64 `json:"gpu_updated_unix_ms" cbor:"gpu_updated_unix_ms"`
}

// Record flattens the sample into the fixed-width sentinel row. This is
// the only place optional fields are converted to sentinels.
func (s *Sample) Record() Record {
	r := Record{
		TimestampUnixMs: s.Timestamp.UnixMilli(),

		ProcessID:                intOr0(s.Frame.ProcessID),
		FPS:                      rateOr(s.Frame.FPS),
		FrameTimeAvgMs:           rateOr(s.Frame.FrameTimeAvgMs),
		FrameTimeMinMs:           rateOr(s.Frame.FrameTimeMinMs),
		FrameTimeMaxMs:           rateOr(s.Frame.FrameTimeMaxMs),
		PresentLatencyMs:         rateOr(s.Frame.PresentLatencyMs),
		FramesPresented:          countOr(s.Frame.FramesPresented),
		FrameTimeP50Ms:           rateOr(s.Frame.FrameTimeP50Ms),
		FrameTimeP95Ms:           rateOr(s.Frame.FrameTimeP95Ms),
		FrameTimeP99Ms:           rateOr(s.Frame.FrameTimeP99Ms),
		FrameTimeOnePercentLowMs: rateOr(s.Frame.FrameTimeOnePercentLowMs),

		GPUUtilizationPct: rateOr(s.GPU.UtilizationPct),
		GPUCoreClockMHz:   rateOr(s.GPU.CoreClockMHz),
		GPUMemClockMHz:    rateOr(s.GPU.MemClockMHz),
		GPUVRAMUsedBytes:  countOr(s.GPU.VRAMUsedBytes),
		GPUVRAMTotalBytes: countOr(s.GPU.VRAMTotalBytes),
		GPUGTTUsedBytes:   countOr(s.GPU.GTTUsedBytes),
		GPUGTTTotalBytes:  countOr(s.GPU.GTTTotalBytes),
		GPUEncoderBusyPct: rateOr(s.GPU.EncoderBusyPct),
		GPUDecoderBusyPct: rateOr(s.GPU.DecoderBusyPct),
		GPUFanRPM:         rateOr(s.GPU.FanRPM),

		GPUTemperatureC:    rateOr(s.GPU.TemperatureC),
		GPUHotspotTempC:    rateOr(s.GPU.HotspotTempC),
		GPUPowerDrawW:      rateOr(s.GPU.PowerDrawW),
		GPUMemBandwidthPct: rateOr(s.GPU.MemBandwidthPct),
		GPUPCIeRxKBPerSec:  rateOr(s.GPU.PCIeRxKBPerSec),
		GPUPCIeTxKBPerSec:  rateOr(s.GPU.PCIeTxKBPerSec),

		GPUDeviceName:    stringOr(s.GPU.DeviceName),
		GPUDriverVersion: stringOr(s.GPU.DriverVersion),
		GPUPCIeLinkWidth: intOr0(s.GPU.PCIeLinkWidth),
		GPUPCIeLinkGen:   intOr0(s.GPU.PCIeLinkGen),

		CPUContextSwitchesPerSec:            rateOr(s.CPU.ContextSwitchesPerSec),
		CPUVoluntaryContextSwitchesPerSec:   rateOr(s.CPU.VoluntaryContextSwitchesPerSec),
		CPUInvoluntaryContextSwitchesPerSec: rateOr(s.CPU.InvoluntaryContextSwitchesPerSec),
		CPUInterruptsPerSec:                 rateOr(s.CPU.InterruptsPerSec),
		CPUDpcsPerSec:                       rateOr(s.CPU.DpcsPerSec),
		CPUUsagePct:                         rateOr(s.CPU.UsagePct),
		CPUUserPct:                          rateOr(s.CPU.UserPct),
		CPUSystemPct:                        rateOr(s.CPU.SystemPct),
		CPUCoreCount:                        intOr0(s.CPU.CoreCount),

		MemUsedBytes:      countOr(s.Memory.UsedBytes),
		MemAvailableBytes: countOr(s.Memory.AvailableBytes),
		MemTotalBytes:     countOr(s.Memory.TotalBytes),

		DiskReadOpsPerSec:     rateOr(s.Disk.ReadOpsPerSec),
		DiskWriteOpsPerSec:    rateOr(s.Disk.WriteOpsPerSec),
		DiskReadBytesPerSec:   rateOr(s.Disk.ReadBytesPerSec),
		DiskWriteBytesPerSec:  rateOr(s.Disk.WriteBytesPerSec),
		DiskAvgLatencyMs:      rateOr(s.Disk.AvgLatencyMs),
		DiskMaxLatencyMs:      rateOr(s.Disk.MaxLatencyMs),
		DiskReadLatencyAvgMs:  rateOr(s.Disk.ReadLatencyAvgMs),
		DiskWriteLatencyAvgMs: rateOr(s.Disk.WriteLatencyAvgMs),
		DiskPendingOps:        countOr(s.Disk.PendingOps),

		FrameUpdatedUnixMs: timeOr(s.Providers.Frame),
		CPUUpdatedUnixMs:   timeOr(s.Providers.CPU),
		DiskUpdatedUnixMs:  timeOr(s.Providers.Disk),
		GPUUpdatedUnixMs:   timeOr(s.Providers.GPU),
	}
	return r
}

func rateOr(v *float64) float64 {
	if v == nil {
		return SentinelRate
	}
	return *v
}

func countOr(v *uint64) uint64 {
	if v == nil {
		return SentinelCount
	}
	return *v
}

func intOr0(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func stringOr(v *string) string {
	if v == nil {
		return SentinelString
	}
	return *v
}

func timeOr(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}
