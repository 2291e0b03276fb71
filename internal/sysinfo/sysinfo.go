// Package sysinfo gathers the host and software metadata attached to
// each benchmark run.
package sysinfo

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// RunInfo is the per-run metadata document handed to the result sink.
type RunInfo struct {
	Hostname   string `json:"hostname" cbor:"hostname"`
	OS         string `json:"os" cbor:"os"`
	Kernel     string `json:"kernel" cbor:"kernel"`
	Arch       string `json:"arch" cbor:"arch"`
	AppVersion string `json:"app_version" cbor:"app_version"`

	CPUModel         string `json:"cpu_model" cbor:"cpu_model"`
	CPUCores         int    `json:"cpu_cores" cbor:"cpu_cores"`
	MemoryTotalBytes uint64 `json:"memory_total_bytes" cbor:"memory_total_bytes"`

	GPUName   string `json:"gpu_name" cbor:"gpu_name"`
	GPUDriver string `json:"gpu_driver" cbor:"gpu_driver"`
}

// Collect reads host metadata. Individual probe failures leave the
// corresponding fields empty; they never fail the run.
func Collect(procRoot string, logger *slog.Logger) RunInfo {
	if logger == nil {
		logger = slog.Default()
	}
	if procRoot == "" {
		procRoot = "/proc"
	}

	info := RunInfo{}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.OS = unix.ByteSliceToString(uts.Sysname[:])
		info.Kernel = unix.ByteSliceToString(uts.Release[:])
		info.Arch = unix.ByteSliceToString(uts.Machine[:])
	} else {
		logger.Debug("uname failed", "err", err)
	}

	info.CPUModel, info.CPUCores = readCPUInfo(filepath.Join(procRoot, "cpuinfo"))
	info.MemoryTotalBytes = readMemTotal(filepath.Join(procRoot, "meminfo"))

	return info
}

func readCPUInfo(path string) (model string, cores int) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "model name":
			if model == "" {
				model = value
			}
		case "processor":
			cores++
		}
	}
	return model, cores
}

func readMemTotal(path string) uint64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}
