// Package trace reads function-level execution traces produced by
// `llvm-xray convert -f yaml` into ordered trace events.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// Record is one XRay record with the fields of the YAML record schema.
type Record struct {
	Type     int      `yaml:"type"`
	FuncID   int      `yaml:"func-id"`
	Function string   `yaml:"function"`
	Args     []uint64 `yaml:"args,omitempty"`
	CPU      int      `yaml:"cpu"`
	Thread   int      `yaml:"thread"`
	Process  int      `yaml:"process"`
	Kind     string   `yaml:"kind"`
	TSC      int64    `yaml:"tsc"`
	Data     string   `yaml:"data"`
}

var recordPattern = regexp.MustCompile(`^-\s*\{\s*type:\s*(\d+),\s*func-id:\s*(\d+),\s*function:\s*(.+?),\s*` +
	`(?:args:\s*\[([^\]]*)\],\s*)?` +
	`cpu:\s*(\d+),\s*thread:\s*(\d+),\s*process:\s*(\d+),\s*` +
	`kind:\s*([a-z-]+),\s*tsc:\s*(\d+)(?:,\s*data:\s*'([^']*)')?\s*\}\s*$`)

// maxLineSize bounds a single record line; symbolized C++ names can be long.
const maxLineSize = 1 << 20

// ParseText parses the line-oriented YAML emitted by llvm-xray. Document markers, the
// header block and the records key are skipped; every other non-empty line must be a
// record. Events are returned in input order.
func ParseText(r io.Reader) ([]types.TraceEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var events []types.TraceEvent
	inHeader := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		switch {
		case line == "" || line == "---" || line == "..." || strings.HasPrefix(line, "#"):
			continue
		case line == "header:":
			inHeader = true
			continue
		case strings.HasPrefix(line, "records:"):
			inHeader = false
			continue
		case inHeader && raw != line && strings.Contains(line, ":"):
			// indented header field
			continue
		}
		inHeader = false

		rec, err := parseRecordLine(line)
		if err != nil {
			return nil, &types.ParseError{Line: lineNo, Record: raw, Reason: err.Error()}
		}
		ev, err := rec.event()
		if err != nil {
			return nil, &types.ParseError{Line: lineNo, Record: raw, Reason: err.Error()}
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return events, nil
}

func parseRecordLine(line string) (Record, error) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return Record{}, fmt.Errorf("line does not match the record schema")
	}

	var rec Record
	var err error
	ints := []struct {
		dst *int
		src string
	}{
		{&rec.Type, m[1]}, {&rec.FuncID, m[2]}, {&rec.CPU, m[5]}, {&rec.Thread, m[6]}, {&rec.Process, m[7]},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(f.src); err != nil {
			return Record{}, fmt.Errorf("bad integer %q: %w", f.src, err)
		}
	}
	if rec.TSC, err = strconv.ParseInt(m[9], 10, 64); err != nil {
		return Record{}, fmt.Errorf("bad tsc %q: %w", m[9], err)
	}
	rec.Function = strings.TrimSpace(m[3])
	rec.Kind = m[8]
	rec.Data = m[10]

	if args := strings.TrimSpace(m[4]); args != "" {
		for _, a := range strings.Split(args, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(a), 0, 64)
			if err != nil {
				return Record{}, fmt.Errorf("bad argument %q: %w", a, err)
			}
			rec.Args = append(rec.Args, v)
		}
	}
	return rec, nil
}

// event validates a record and converts it. Tail exits fold into exits.
func (rec Record) event() (types.TraceEvent, error) {
	ev := types.TraceEvent{
		Function:   rec.Function,
		FunctionID: rec.FuncID,
		CPU:        rec.CPU,
		Thread:     rec.Thread,
		Process:    rec.Process,
		TSC:        rec.TSC,
		Data:       rec.Data,
	}
	if ev.Function == "" {
		return ev, fmt.Errorf("missing function name")
	}
	if ev.TSC < 0 {
		return ev, fmt.Errorf("negative tsc %d", ev.TSC)
	}

	switch rec.Kind {
	case "function-enter":
		ev.Kind = types.KindEnter
	case "function-enter-arg":
		ev.Kind = types.KindEnterArg
	case "function-exit", "function-tail-exit":
		ev.Kind = types.KindExit
	default:
		return ev, fmt.Errorf("unknown kind %q", rec.Kind)
	}

	if ev.Kind == types.KindEnterArg {
		if len(rec.Args) != 1 {
			return ev, fmt.Errorf("enter-arg record needs exactly one argument, got %d", len(rec.Args))
		}
		ev.Arg = rec.Args[0]
		ev.HasArg = true
	} else if len(rec.Args) != 0 {
		return ev, fmt.Errorf("%s record carries %d arguments", rec.Kind, len(rec.Args))
	}
	return ev, nil
}

// ParseRecords converts already-structured records, keeping their order.
func ParseRecords(records []Record) ([]types.TraceEvent, error) {
	events := make([]types.TraceEvent, 0, len(records))
	for i, rec := range records {
		ev, err := rec.event()
		if err != nil {
			return nil, &types.ParseError{Line: i + 1, Record: fmt.Sprintf("%+v", rec), Reason: err.Error()}
		}
		events = append(events, ev)
	}
	return events, nil
}

// FilterFunctions keeps the events whose function name contains substr.
func FilterFunctions(events []types.TraceEvent, substr string) []types.TraceEvent {
	matched, _ := SplitFunctions(events, substr)
	return matched
}

// SplitFunctions partitions events by whether the function name contains substr. Both
// halves keep their input order.
func SplitFunctions(events []types.TraceEvent, substr string) (matched, rest []types.TraceEvent) {
	for _, ev := range events {
		if strings.Contains(ev.Function, substr) {
			matched = append(matched, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	return matched, rest
}
