package trace

import (
	"errors"
	"strings"
	"testing"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

const sampleTrace = `---
header:
  version: 1
  type: 0
  constant-tsc: true
  nonstop-tsc: true
  cycle-frequency: 2400000000
records:
  - { type: 0, func-id: 3, function: dylinx_mutex_enable, args: [ 4294967298 ], cpu: 1, thread: 7, process: 99, kind: function-enter-arg, tsc: 100, data: '' }
  - { type: 0, func-id: 3, function: dylinx_mutex_enable, cpu: 1, thread: 7, process: 99, kind: function-exit, tsc: 120, data: '' }
  - { type: 0, func-id: 4, function: dylinx_mutex_disable, args: [ 4294967298 ], cpu: 1, thread: 7, process: 99, kind: function-enter-arg, tsc: 300, data: '' }
  - { type: 0, func-id: 4, function: dylinx_mutex_disable, cpu: 1, thread: 7, process: 99, kind: function-tail-exit, tsc: 310, data: '' }
...
`

func TestParseText(t *testing.T) {
	events, err := ParseText(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("ParseText failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	first := events[0]
	if first.Function != "dylinx_mutex_enable" || first.Kind != types.KindEnterArg || first.TSC != 100 ||
		first.Thread != 7 || first.Process != 99 || first.CPU != 1 || first.FunctionID != 3 {
		t.Fatalf("first event is wrong: %+v", first)
	}
	lock, ok := first.Lock()
	if !ok || lock.Site != 1 || lock.Instance != 2 {
		t.Fatalf("lock id is wrong: %v %v", lock, ok)
	}
	if events[3].Kind != types.KindExit {
		t.Fatalf("tail exit should fold into exit, got %s", events[3].Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].TSC < events[i-1].TSC {
			t.Fatalf("order not preserved at %d", i)
		}
	}
}

func TestParseTextErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"garbage", "this is not a record"},
		{"missing tsc", "- { type: 0, func-id: 1, function: f, cpu: 0, thread: 1, process: 1, kind: function-enter, data: '' }"},
		{"unknown kind", "- { type: 0, func-id: 1, function: f, cpu: 0, thread: 1, process: 1, kind: function-custom, tsc: 5, data: '' }"},
		{"enter-arg without arg", "- { type: 0, func-id: 1, function: f, cpu: 0, thread: 1, process: 1, kind: function-enter-arg, tsc: 5, data: '' }"},
		{"exit with arg", "- { type: 0, func-id: 1, function: f, args: [ 1 ], cpu: 0, thread: 1, process: 1, kind: function-exit, tsc: 5, data: '' }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "records:\n" + tt.line + "\n"
			_, err := ParseText(strings.NewReader(input))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !errors.Is(err, types.ErrParse) {
				t.Fatalf("expected a parse error, got %v", err)
			}
			var pe *types.ParseError
			if !errors.As(err, &pe) || pe.Line != 2 || pe.Record != tt.line {
				t.Fatalf("parse error does not locate the record: %+v", pe)
			}
		})
	}
}

func TestParseTextNegativeLockID(t *testing.T) {
	// site -1, instance 5
	line := "- { type: 0, func-id: 1, function: lock_enable, args: [ 18446744069414584325 ], cpu: 0, thread: 1, process: 1, kind: function-enter-arg, tsc: 5, data: '' }"
	events, err := ParseText(strings.NewReader(line))
	if err != nil {
		t.Fatalf("ParseText failed: %v", err)
	}
	lock, _ := events[0].Lock()
	if lock.Site != -1 || lock.Instance != 5 {
		t.Fatalf("expected site -1 instance 5, got %v", lock)
	}
	if lock.Pack() != events[0].Arg {
		t.Fatalf("Pack is not the inverse of UnpackLockID")
	}
}

func TestParseYAML(t *testing.T) {
	header, events, err := ParseYAML(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("ParseYAML failed: %v", err)
	}
	if header.CycleFrequency != 2400000000 || !header.ConstantTSC {
		t.Fatalf("header is wrong: %+v", header)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	fromText, _ := ParseText(strings.NewReader(sampleTrace))
	for i := range events {
		if events[i] != fromText[i] {
			t.Fatalf("event %d differs between parsers: %+v vs %+v", i, events[i], fromText[i])
		}
	}
}

func TestFilterFunctions(t *testing.T) {
	events := []types.TraceEvent{
		{Function: "critical_section", Kind: types.KindEnter, TSC: 1},
		{Function: "parallel_work", Kind: types.KindEnter, TSC: 2},
		{Function: "critical_load", Kind: types.KindEnter, TSC: 3},
	}
	got := FilterFunctions(events, "critical")
	if len(got) != 2 || got[0].TSC != 1 || got[1].TSC != 3 {
		t.Fatalf("FilterFunctions returned %v", got)
	}
	matched, rest := SplitFunctions(events, "parallel")
	if len(matched) != 1 || matched[0].TSC != 2 || len(rest) != 2 || rest[1].TSC != 3 {
		t.Fatalf("SplitFunctions returned %v / %v", matched, rest)
	}
}
