package types

import "fmt"

// EventKind is the XRay record kind of a trace event.
type EventKind string

const (
	KindEnter    EventKind = "enter"
	KindEnterArg EventKind = "enter-arg"
	KindExit     EventKind = "exit"
)

// IsEntry reports whether the kind opens a function call.
func (k EventKind) IsEntry() bool {
	return k == KindEnter || k == KindEnterArg
}

// TraceEvent is a single instrumented function entry or exit.
type TraceEvent struct {
	Function   string    `json:"function" bson:"function"`
	FunctionID int       `json:"funcId" bson:"funcId"`
	CPU        int       `json:"cpu" bson:"cpu"`
	Thread     int       `json:"thread" bson:"thread"`
	Process    int       `json:"process" bson:"process"`
	Kind       EventKind `json:"kind" bson:"kind"`
	TSC        int64     `json:"tsc" bson:"tsc"`
	Arg        uint64    `json:"arg,omitempty" bson:"arg,omitempty"`
	HasArg     bool      `json:"hasArg,omitempty" bson:"hasArg,omitempty"`
	Data       string    `json:"data,omitempty" bson:"data,omitempty"`
}

// Lock returns the lock identifier packed in the event argument.
func (e TraceEvent) Lock() (LockID, bool) {
	if !e.HasArg {
		return LockID{}, false
	}
	return UnpackLockID(e.Arg), true
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%s (%s) cpu:%d, thread:%d, tsc:%d", e.Function, e.Kind, e.CPU, e.Thread, e.TSC)
}

// LockID identifies a lock by its static code site and its dynamic instance.
type LockID struct {
	Site     int32 `json:"site" bson:"site"`
	Instance int32 `json:"instance" bson:"instance"`
}

// UnpackLockID splits a packed 64-bit argument: the high 32 bits carry the site id,
// the low 32 bits the instance id, both as two's-complement int32.
func UnpackLockID(v uint64) LockID {
	return LockID{
		Site:     int32(uint32(v >> 32)),
		Instance: int32(uint32(v)),
	}
}

// Pack is the inverse of UnpackLockID.
func (l LockID) Pack() uint64 {
	return uint64(uint32(l.Site))<<32 | uint64(uint32(l.Instance))
}

func (l LockID) String() string {
	return fmt.Sprintf("site %d/instance %d", l.Site, l.Instance)
}
