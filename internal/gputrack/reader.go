// Package gputrack polls GPU vendor telemetry on two frequency tiers
// and caches medium-tier values under a staleness rule. The vendor
// surface is the amdgpu sysfs/hwmon/debugfs tree; roots are injectable
// so tests run against fake trees.
package gputrack

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/benchpulse/benchpulse/internal/telemetry"
)

const (
	drmClassPath        = "class/drm"
	gpuBusyFilename     = "gpu_busy_percent"
	memBusyFilename     = "mem_busy_percent"
	ppDpmSclkFilename   = "pp_dpm_sclk"
	ppDpmMclkFilename   = "pp_dpm_mclk"
	pcieBWFilename      = "pcie_bw"
	debugPmInfoFilename = "amdgpu_pm_info"

	hwmonTempEdgeFile     = "temp1_input"
	hwmonTempJunctionFile = "temp2_input"
	hwmonFanFile          = "fan1_input"
	hwmonPowerAverageFile = "power1_average"
	hwmonPowerInputFile   = "power1_input"
)

// HighFrequency holds the values read on every poll tick.
type HighFrequency struct {
	UtilizationPct *float64
	CoreClockMHz   *float64
	MemClockMHz    *float64
	VRAMUsedBytes  *uint64
	VRAMTotalBytes *uint64
	GTTUsedBytes   *uint64
	GTTTotalBytes  *uint64
	EncoderBusyPct *float64
	DecoderBusyPct *float64
	FanRPM         *float64
}

// Empty reports whether no field of the reading carries a value. Used as
// the per-tick failure signal.
func (h HighFrequency) Empty() bool {
	return h.UtilizationPct == nil && h.CoreClockMHz == nil && h.MemClockMHz == nil &&
		h.VRAMUsedBytes == nil && h.VRAMTotalBytes == nil &&
		h.GTTUsedBytes == nil && h.GTTTotalBytes == nil &&
		h.EncoderBusyPct == nil && h.DecoderBusyPct == nil && h.FanRPM == nil
}

// MediumFrequency holds the values refreshed on the slower tier.
type MediumFrequency struct {
	TemperatureC    *float64
	HotspotTempC    *float64
	PowerDrawW      *float64
	MemBandwidthPct *float64
	PCIeRxKBPerSec  *float64
	PCIeTxKBPerSec  *float64
}

// Reader fetches telemetry for a single GPU. Non-fatal read errors
// surface as nil fields, never as errors.
type Reader struct {
	cardID       string
	sysfsRoot    string
	devicePath   string
	debugCardDir string
	hwmonPath    string
	logger       *slog.Logger
}

// NewReader constructs a Reader for the given card (e.g. "card0").
func NewReader(cardID, sysfsRoot, debugfsRoot string, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	index, err := parseCardIndex(cardID)
	if err != nil {
		return nil, err
	}

	devicePath := filepath.Join(sysfsRoot, drmClassPath, cardID, "device")
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("stat device path: %w", err)
	}

	return &Reader{
		cardID:       cardID,
		sysfsRoot:    sysfsRoot,
		devicePath:   devicePath,
		debugCardDir: filepath.Join(debugfsRoot, "dri", strconv.Itoa(index)),
		hwmonPath:    detectHwmon(devicePath),
		logger:       logger.With("card", cardID),
	}, nil
}

// CardID returns the DRM card identifier the reader is bound to.
func (r *Reader) CardID() string {
	return r.cardID
}

// ReadHighFrequency collects the per-tick tier.
func (r *Reader) ReadHighFrequency() HighFrequency {
	var m HighFrequency

	m.UtilizationPct = r.readPercent(filepath.Join(r.devicePath, gpuBusyFilename))
	m.CoreClockMHz = r.readCurrentClock(ppDpmSclkFilename)
	m.MemClockMHz = r.readCurrentClock(ppDpmMclkFilename)

	m.VRAMUsedBytes = r.readUint(filepath.Join(r.devicePath, "mem_info_vram_used"))
	m.VRAMTotalBytes = r.readUint(filepath.Join(r.devicePath, "mem_info_vram_total"))
	m.GTTUsedBytes = r.readUint(filepath.Join(r.devicePath, "mem_info_gtt_used"))
	m.GTTTotalBytes = r.readUint(filepath.Join(r.devicePath, "mem_info_gtt_total"))

	if r.hwmonPath != "" {
		m.FanRPM = r.readFloat(filepath.Join(r.hwmonPath, hwmonFanFile))
	}

	// Video engine activity only shows up in the debugfs pm dump.
	info := r.readDebugFSInfo()
	if m.UtilizationPct == nil {
		m.UtilizationPct = info.gpuLoad
	}
	if m.CoreClockMHz == nil {
		m.CoreClockMHz = info.sclkMHz
	}
	if m.MemClockMHz == nil {
		m.MemClockMHz = info.mclkMHz
	}
	m.EncoderBusyPct = info.encoderPct
	m.DecoderBusyPct = info.decoderPct

	return m
}

// ReadMediumFrequency collects the slower tier.
func (r *Reader) ReadMediumFrequency() MediumFrequency {
	var m MediumFrequency

	if r.hwmonPath != "" {
		m.TemperatureC = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonTempEdgeFile), 1000)
		m.HotspotTempC = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonTempJunctionFile), 1000)
		m.PowerDrawW = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerAverageFile), 1_000_000)
		if m.PowerDrawW == nil {
			m.PowerDrawW = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerInputFile), 1_000_000)
		}
	}

	m.MemBandwidthPct = r.readPercent(filepath.Join(r.devicePath, memBusyFilename))
	m.PCIeRxKBPerSec, m.PCIeTxKBPerSec = r.readPCIeBandwidth()

	if m.TemperatureC == nil || m.PowerDrawW == nil {
		info := r.readDebugFSInfo()
		if m.TemperatureC == nil {
			m.TemperatureC = info.tempC
		}
		if m.PowerDrawW == nil {
			m.PowerDrawW = info.powerW
		}
	}

	return m
}

// readPCIeBandwidth parses the pcie_bw file: received and sent TLP
// counts over a one second window plus the max payload size in bytes.
func (r *Reader) readPCIeBandwidth() (rx, tx *float64) {
	data, err := os.ReadFile(filepath.Join(r.devicePath, pcieBWFilename))
	if err != nil {
		return nil, nil
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, nil
	}
	received, err1 := strconv.ParseUint(fields[0], 10, 64)
	sent, err2 := strconv.ParseUint(fields[1], 10, 64)
	payload, err3 := strconv.ParseUint(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || payload == 0 {
		return nil, nil
	}
	rxKB := float64(received*payload) / 1024
	txKB := float64(sent*payload) / 1024
	return telemetry.Float(rxKB), telemetry.Float(txKB)
}

func (r *Reader) readPercent(path string) *float64 {
	value, err := r.readFloatValue(path)
	if err != nil || value < 0 {
		return nil
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = clamp(value/100, 0, 100)
	}
	return telemetry.Float(value)
}

func (r *Reader) readCurrentClock(filename string) *float64 {
	raw, err := os.ReadFile(filepath.Join(r.devicePath, filename))
	if err != nil {
		return nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		if clock, ok := extractClockMHz(line); ok {
			return telemetry.Float(clock)
		}
	}
	return nil
}

func (r *Reader) readUint(path string) *uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		r.logger.Debug("failed to parse uint value", "path", path, "value", text, "err", err)
		return nil
	}
	return telemetry.Uint(value)
}

func (r *Reader) readScaledFloat(path string, divisor float64) *float64 {
	value, err := r.readFloatValue(path)
	if err != nil {
		return nil
	}
	return telemetry.Float(value / divisor)
}

func (r *Reader) readFloat(path string) *float64 {
	value, err := r.readFloatValue(path)
	if err != nil {
		return nil
	}
	return telemetry.Float(value)
}

func (r *Reader) readFloatValue(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return value, nil
}

type debugInfo struct {
	gpuLoad    *float64
	sclkMHz    *float64
	mclkMHz    *float64
	tempC      *float64
	powerW     *float64
	encoderPct *float64
	decoderPct *float64
}

func (r *Reader) readDebugFSInfo() debugInfo {
	data, err := os.ReadFile(filepath.Join(r.debugCardDir, debugPmInfoFilename))
	if err != nil {
		return debugInfo{}
	}

	info := debugInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "gpu load"):
			info.gpuLoad = firstFloatPtr(line)
		case strings.HasPrefix(lower, "sclk"), strings.HasPrefix(lower, "average gfxclk"):
			if info.sclkMHz == nil {
				info.sclkMHz = firstFloatPtr(line)
			}
		case strings.HasPrefix(lower, "mclk"), strings.HasPrefix(lower, "average memclk"):
			if info.mclkMHz == nil {
				info.mclkMHz = firstFloatPtr(line)
			}
		case strings.HasPrefix(lower, "gpu temperature"):
			info.tempC = firstFloatPtr(line)
		case strings.HasPrefix(lower, "gpu power"), strings.HasPrefix(lower, "power:"):
			if info.powerW == nil {
				info.powerW = firstFloatPtr(line)
			}
		case strings.HasPrefix(lower, "vcn activity"), strings.HasPrefix(lower, "uvd activity"):
			info.decoderPct = firstFloatPtr(line)
		case strings.HasPrefix(lower, "vce activity"):
			info.encoderPct = firstFloatPtr(line)
		}
	}
	return info
}

func firstFloatPtr(line string) *float64 {
	value, ok := extractFirstFloat(line)
	if !ok {
		return nil
	}
	return telemetry.Float(value)
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func parseCardIndex(cardID string) (int, error) {
	if !strings.HasPrefix(cardID, "card") {
		return 0, fmt.Errorf("invalid card id %q", cardID)
	}
	index, err := strconv.Atoi(cardID[len("card"):])
	if err != nil {
		return 0, fmt.Errorf("parse card index: %w", err)
	}
	return index, nil
}

func extractClockMHz(line string) (float64, bool) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "*"))
	for _, field := range strings.Fields(line) {
		field = strings.TrimSuffix(field, "*")
		if strings.HasSuffix(strings.ToLower(field), "mhz") {
			value, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(field), "mhz"), 64)
			if err != nil {
				continue
			}
			return value, true
		}
	}
	return 0, false
}

func extractFirstFloat(line string) (float64, bool) {
	var buf strings.Builder
	var seen bool
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			if r == ',' {
				continue
			}
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func clamp(value, low, high float64) float64 {
	return math.Max(low, math.Min(high, value))
}
