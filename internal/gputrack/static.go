package gputrack

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/jaypipes/pcidb"
)

// StaticInfo holds device identity read once per collector lifetime.
// Empty strings and zero ints mean the value could not be determined.
type StaticInfo struct {
	DeviceName    string
	DriverVersion string
	PCISlot       string
	PCIeLinkWidth int
	PCIeLinkGen   int
}

// Discover returns the DRM card identifiers present under the sysfs
// root, lowest index first.
func Discover(sysfsRoot string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(filepath.Join(sysfsRoot, drmClassPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(sysfsRoot, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
			continue
		}
		if !allDigits(name[len("card"):]) {
			continue
		}
		cards = append(cards, name)
	}
	return cards, nil
}

// ReadStaticInfo loads identity details for the reader's card.
func (r *Reader) ReadStaticInfo() StaticInfo {
	info := StaticInfo{}

	var pciID, subVendor, subDevice string
	if data, err := os.ReadFile(filepath.Join(r.devicePath, "uevent")); err == nil {
		text := string(data)
		info.PCISlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if parts := strings.SplitN(subsys, ":", 2); len(parts) == 2 {
				subVendor, subDevice = parts[0], parts[1]
			}
		}
		info.DeviceName = parseKeyValue(text, "PCI_ID_NAME")
	}

	if pciID == "" {
		vendor := readTrimmed(filepath.Join(r.devicePath, "vendor"))
		device := readTrimmed(filepath.Join(r.devicePath, "device"))
		if vendor != "" && device != "" {
			pciID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
		}
	}
	if subVendor == "" {
		subVendor = readTrimmed(filepath.Join(r.devicePath, "subsystem_vendor"))
	}
	if subDevice == "" {
		subDevice = readTrimmed(filepath.Join(r.devicePath, "subsystem_device"))
	}

	vendorID, deviceID := splitPCIIdentifier(pciID)
	resolved := lookupGPUName(vendorID, deviceID, subVendor, subDevice)
	if shouldUseResolvedName(info.DeviceName, resolved) {
		info.DeviceName = resolved
	}

	info.DriverVersion = readTrimmed(filepath.Join(r.sysfsRoot, "module", "amdgpu", "version"))
	info.PCIeLinkWidth = parseLinkWidth(readTrimmed(filepath.Join(r.devicePath, "current_link_width")))
	info.PCIeLinkGen = parseLinkGen(readTrimmed(filepath.Join(r.devicePath, "current_link_speed")))

	return info
}

// parseLinkGen maps the sysfs speed string, e.g. "16.0 GT/s PCIe", to a
// PCIe generation number.
func parseLinkGen(speed string) int {
	value, ok := extractFirstFloat(speed)
	if !ok {
		return 0
	}
	switch {
	case value >= 64:
		return 6
	case value >= 32:
		return 5
	case value >= 16:
		return 4
	case value >= 8:
		return 3
	case value >= 5:
		return 2
	case value >= 2.5:
		return 1
	}
	return 0
}

func parseLinkWidth(raw string) int {
	width, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return width
}

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

func lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				if subsystem.Name != "" {
					return subsystem.Name
				}
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func splitPCIIdentifier(pciID string) (vendorID, deviceID string) {
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// shouldUseResolvedName prefers the database name over driver or raw
// hex placeholders.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	if lower == "" {
		return true
	}
	switch lower {
	case "amdgpu", "radeon", "unknown":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
