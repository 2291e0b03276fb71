package telemetry

import (
	"testing"
	"time"
)

func TestEmptySampleFlattensToSentinels(t *testing.T) {
	t.Parallel()

	sample := Sample{Timestamp: time.UnixMilli(1700000000000)}
	record := sample.Record()

	rates := map[string]float64{
		"fps":                sample.Record().FPS,
		"frame_time_avg":     record.FrameTimeAvgMs,
		"gpu_utilization":    record.GPUUtilizationPct,
		"gpu_temperature":    record.GPUTemperatureC,
		"gpu_power":          record.GPUPowerDrawW,
		"gpu_fan":            record.GPUFanRPM,
		"cpu_ctx_switches":   record.CPUContextSwitchesPerSec,
		"cpu_voluntary":      record.CPUVoluntaryContextSwitchesPerSec,
		"cpu_interrupts":     record.CPUInterruptsPerSec,
		"disk_read_ops":      record.DiskReadOpsPerSec,
		"disk_avg_latency":   record.DiskAvgLatencyMs,
		"disk_write_latency": record.DiskWriteLatencyAvgMs,
	}
	for name, value := range rates {
		if value != SentinelRate {
			t.Errorf("%s = %v, want sentinel %v", name, value, SentinelRate)
		}
	}

	counts := map[string]uint64{
		"frames_presented": record.FramesPresented,
		"vram_used":        record.GPUVRAMUsedBytes,
		"mem_used":         record.MemUsedBytes,
		"disk_pending":     record.DiskPendingOps,
	}
	for name, value := range counts {
		if value != SentinelCount {
			t.Errorf("%s = %d, want sentinel %d", name, value, SentinelCount)
		}
	}

	if record.GPUDeviceName != SentinelString {
		t.Errorf("gpu_device_name = %q, want %q", record.GPUDeviceName, SentinelString)
	}
	if record.GPUDriverVersion != SentinelString {
		t.Errorf("gpu_driver_version = %q, want %q", record.GPUDriverVersion, SentinelString)
	}

	for name, value := range map[string]int64{
		"frame_updated": record.FrameUpdatedUnixMs,
		"cpu_updated":   record.CPUUpdatedUnixMs,
		"disk_updated":  record.DiskUpdatedUnixMs,
		"gpu_updated":   record.GPUUpdatedUnixMs,
	} {
		if value != -1 {
			t.Errorf("%s = %d, want -1", name, value)
		}
	}
}

func TestMergeDoesNotOverwritePopulatedFields(t *testing.T) {
	t.Parallel()

	target := Sample{}
	target.CPU.ContextSwitchesPerSec = Float(1000)
	target.GPU.TemperatureC = Float(65)

	donor := Sample{}
	donor.CPU.ContextSwitchesPerSec = Float(9999)
	donor.CPU.InterruptsPerSec = Float(450)
	donor.GPU.TemperatureC = Float(99)
	donor.GPU.PowerDrawW = Float(180)

	target.Merge(&donor)

	if *target.CPU.ContextSwitchesPerSec != 1000 {
		t.Fatalf("populated field overwritten: got %v", *target.CPU.ContextSwitchesPerSec)
	}
	if *target.GPU.TemperatureC != 65 {
		t.Fatalf("populated field overwritten: got %v", *target.GPU.TemperatureC)
	}
	if target.CPU.InterruptsPerSec == nil || *target.CPU.InterruptsPerSec != 450 {
		t.Fatalf("empty field not filled from donor")
	}
	if target.GPU.PowerDrawW == nil || *target.GPU.PowerDrawW != 180 {
		t.Fatalf("empty field not filled from donor")
	}
}

func TestMergeCopiesValuesNotPointers(t *testing.T) {
	t.Parallel()

	donor := Sample{}
	donor.Frame.FPS = Float(144)

	target := Sample{}
	target.Merge(&donor)

	*donor.Frame.FPS = 30
	if *target.Frame.FPS != 144 {
		t.Fatalf("merge aliased donor pointer: got %v", *target.Frame.FPS)
	}
}

func TestMergeProviderTimes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	donor := Sample{Providers: ProviderTimes{CPU: now}}
	target := Sample{}
	target.Merge(&donor)

	if !target.Providers.CPU.Equal(now) {
		t.Fatalf("provider time not merged")
	}

	record := target.Record()
	if record.CPUUpdatedUnixMs != now.UnixMilli() {
		t.Fatalf("provider time not flattened: %d", record.CPUUpdatedUnixMs)
	}
}

func TestRecordPreservesTrueZero(t *testing.T) {
	t.Parallel()

	sample := Sample{}
	sample.Disk.ReadOpsPerSec = Float(0)
	record := sample.Record()

	// A true zero reading must remain distinguishable from the sentinel.
	if record.DiskReadOpsPerSec != 0 {
		t.Fatalf("true zero lost: %v", record.DiskReadOpsPerSec)
	}
}
