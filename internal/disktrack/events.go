package disktrack

import (
	"regexp"
	"strconv"
)

// Block trace payloads are positional, not key=value:
//
//	block_rq_issue:    8,0 W 4096 () 18874368 + 8 [comm]
//	block_rq_complete: 8,0 W () 18874368 + 8 [0]
var (
	issueRegex    = regexp.MustCompile(`^(\d+),(\d+)\s+([A-Z]+)\s+(\d+)\s+\([^)]*\)\s+(\d+)\s+\+\s+(\d+)\s+\[`)
	completeRegex = regexp.MustCompile(`^(\d+),(\d+)\s+([A-Z]+)\s+\([^)]*\)\s+(\d+)\s+\+\s+(\d+)\s+\[(-?\d+)\]`)
)

// requestKey identifies an in-flight block request. The kernel does not
// expose a request id in the text format; device plus start sector is
// unique among simultaneously outstanding requests.
type requestKey struct {
	major  uint32
	minor  uint32
	sector uint64
}

type issueInfo struct {
	key      requestKey
	bytes    uint64
	write    bool
	issuedAt float64
}

type completeInfo struct {
	key         requestKey
	completedAt float64
}

func parseIssue(timestamp float64, raw string) (issueInfo, bool) {
	match := issueRegex.FindStringSubmatch(raw)
	if match == nil {
		return issueInfo{}, false
	}
	write, ok := classifyRWBS(match[3])
	if !ok {
		return issueInfo{}, false
	}
	major, _ := strconv.ParseUint(match[1], 10, 32)
	minor, _ := strconv.ParseUint(match[2], 10, 32)
	bytes, _ := strconv.ParseUint(match[4], 10, 64)
	sector, _ := strconv.ParseUint(match[5], 10, 64)

	return issueInfo{
		key:      requestKey{major: uint32(major), minor: uint32(minor), sector: sector},
		bytes:    bytes,
		write:    write,
		issuedAt: timestamp,
	}, true
}

func parseComplete(timestamp float64, raw string) (completeInfo, bool) {
	match := completeRegex.FindStringSubmatch(raw)
	if match == nil {
		return completeInfo{}, false
	}
	if _, ok := classifyRWBS(match[3]); !ok {
		return completeInfo{}, false
	}
	major, _ := strconv.ParseUint(match[1], 10, 32)
	minor, _ := strconv.ParseUint(match[2], 10, 32)
	sector, _ := strconv.ParseUint(match[4], 10, 64)

	return completeInfo{
		key:         requestKey{major: uint32(major), minor: uint32(minor), sector: sector},
		completedAt: timestamp,
	}, true
}

// classifyRWBS maps the rwbs flag string to a read/write direction.
// Flushes, discards and barrier-only operations carry no payload worth
// attributing, so they are skipped.
func classifyRWBS(rwbs string) (write bool, ok bool) {
	for i := 0; i < len(rwbs); i++ {
		switch rwbs[i] {
		case 'R':
			return false, true
		case 'W':
			return true, true
		case 'D', 'F', 'N':
			return false, false
		}
	}
	return false, false
}
