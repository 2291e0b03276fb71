package cputrack

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cpuTimes holds the aggregate jiffy counters from the first line of
// /proc/stat.
type cpuTimes struct {
	user    uint64
	nice    uint64
	system  uint64
	idle    uint64
	iowait  uint64
	irq     uint64
	softirq uint64
	steal   uint64
}

func (c cpuTimes) sub(prev cpuTimes) cpuTimes {
	return cpuTimes{
		user:    c.user - prev.user,
		nice:    c.nice - prev.nice,
		system:  c.system - prev.system,
		idle:    c.idle - prev.idle,
		iowait:  c.iowait - prev.iowait,
		irq:     c.irq - prev.irq,
		softirq: c.softirq - prev.softirq,
		steal:   c.steal - prev.steal,
	}
}

func (c cpuTimes) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func (c cpuTimes) idleAll() uint64 {
	return c.idle + c.iowait
}

// readCPUTimes parses the aggregate line of /proc/stat and counts the
// per-core lines.
func readCPUTimes(procRoot string) (cpuTimes, int, error) {
	file, err := os.Open(filepath.Join(procRoot, "stat"))
	if err != nil {
		return cpuTimes{}, 0, err
	}
	defer file.Close()

	var times cpuTimes
	var haveAggregate bool
	cores := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") {
			break
		}
		fields := strings.Fields(line)
		if fields[0] == "cpu" {
			if len(fields) < 8 {
				return cpuTimes{}, 0, fmt.Errorf("malformed cpu line in stat")
			}
			end := len(fields)
			if end > 9 {
				end = 9
			}
			values := make([]uint64, 0, 8)
			for _, field := range fields[1:end] {
				value, err := strconv.ParseUint(field, 10, 64)
				if err != nil {
					return cpuTimes{}, 0, fmt.Errorf("parse stat field %q: %w", field, err)
				}
				values = append(values, value)
			}
			for len(values) < 8 {
				values = append(values, 0)
			}
			times = cpuTimes{
				user: values[0], nice: values[1], system: values[2], idle: values[3],
				iowait: values[4], irq: values[5], softirq: values[6], steal: values[7],
			}
			haveAggregate = true
			continue
		}
		cores++
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, 0, err
	}
	if !haveAggregate {
		return cpuTimes{}, 0, fmt.Errorf("no aggregate cpu line in stat")
	}
	return times, cores, nil
}

type memInfo struct {
	totalBytes     uint64
	availableBytes uint64
}

func readMemInfo(procRoot string) (memInfo, error) {
	file, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return memInfo{}, err
	}
	defer file.Close()

	var info memInfo
	var haveTotal, haveAvailable bool

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			info.totalBytes = parseMemInfoKB(line)
			haveTotal = true
		case strings.HasPrefix(line, "MemAvailable:"):
			info.availableBytes = parseMemInfoKB(line)
			haveAvailable = true
		}
		if haveTotal && haveAvailable {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return memInfo{}, err
	}
	if !haveTotal {
		return memInfo{}, fmt.Errorf("no MemTotal in meminfo")
	}
	return info, nil
}

func parseMemInfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	value, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return value * 1024
}
