package tracefs

import (
	"regexp"
	"strconv"
	"strings"
)

// Event is one parsed line from a tracing session's trace_pipe.
type Event struct {
	// Timestamp is seconds on the trace clock (monotonic since boot).
	Timestamp float64
	// CPU is the logical CPU the event fired on.
	CPU int
	// Name is the event name, e.g. "sched_switch".
	Name string
	// Fields holds the key=value pairs of the payload. Events with
	// positional payloads (block events) keep those tokens out of the
	// map; consumers parse Raw instead.
	Fields map[string]string
	// Raw is the unparsed payload after "name: ".
	Raw string
}

// Handler receives every parsed event on the session's reader thread.
// Implementations must not block: kernel event delivery is latency
// sensitive, so handlers are limited to atomic counter updates and
// similarly cheap work.
type Handler func(Event)

// Lines look like:
//
//	<idle>-0  [002] d..3. 12345.678901: sched_switch: prev_comm=swapper ...
//
// task-pid, bracketed CPU, flags, seconds.micros timestamp, event name,
// payload.
var lineRegex = regexp.MustCompile(`^\s*(.*\S)-(\d+)\s+\[(\d+)\]\s+(\S+)\s+([0-9]+\.[0-9]+):\s+([A-Za-z0-9_]+):\s?(.*)$`)

// parseLine converts one trace_pipe line into an Event. Lines that do
// not match the tracefs text format (headers, lost-event markers,
// wrapped continuations) return false.
func parseLine(line string) (Event, bool) {
	match := lineRegex.FindStringSubmatch(line)
	if match == nil {
		return Event{}, false
	}

	cpu, err := strconv.Atoi(match[3])
	if err != nil {
		return Event{}, false
	}
	timestamp, err := strconv.ParseFloat(match[5], 64)
	if err != nil {
		return Event{}, false
	}

	raw := match[7]
	event := Event{
		Timestamp: timestamp,
		CPU:       cpu,
		Name:      match[6],
		Raw:       raw,
	}

	if strings.ContainsRune(raw, '=') {
		event.Fields = parseFields(raw)
	}

	return event, true
}

func parseFields(payload string) map[string]string {
	tokens := strings.Fields(payload)
	fields := make(map[string]string, len(tokens))
	for _, token := range tokens {
		idx := strings.IndexByte(token, '=')
		if idx <= 0 {
			continue
		}
		fields[token[:idx]] = token[idx+1:]
	}
	return fields
}
