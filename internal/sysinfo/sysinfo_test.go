package sysinfo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectFromFakeProc(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cpuinfo := "processor\t: 0\nmodel name\t: AMD Ryzen 7 7800X3D 8-Core Processor\n\n" +
		"processor\t: 1\nmodel name\t: AMD Ryzen 7 7800X3D 8-Core Processor\n"
	if err := os.WriteFile(filepath.Join(root, "cpuinfo"), []byte(cpuinfo), 0o600); err != nil {
		t.Fatalf("write cpuinfo: %v", err)
	}
	meminfo := "MemTotal:       32768000 kB\nMemFree:         1000000 kB\n"
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(meminfo), 0o600); err != nil {
		t.Fatalf("write meminfo: %v", err)
	}

	info := Collect(root, testLogger())

	if info.CPUModel != "AMD Ryzen 7 7800X3D 8-Core Processor" {
		t.Fatalf("CPUModel = %q", info.CPUModel)
	}
	if info.CPUCores != 2 {
		t.Fatalf("CPUCores = %d, want 2", info.CPUCores)
	}
	if info.MemoryTotalBytes != 32768000*1024 {
		t.Fatalf("MemoryTotalBytes = %d", info.MemoryTotalBytes)
	}
	if info.Kernel == "" || info.Arch == "" {
		t.Fatalf("uname fields empty: %+v", info)
	}
}

func TestCollectSurvivesMissingProc(t *testing.T) {
	t.Parallel()

	info := Collect(filepath.Join(t.TempDir(), "missing"), testLogger())
	if info.CPUModel != "" || info.CPUCores != 0 || info.MemoryTotalBytes != 0 {
		t.Fatalf("expected empty probe results, got %+v", info)
	}
}
