package types

import "fmt"

// CycleShape tells which trace grammar produced a cycle.
type CycleShape string

const (
	// ShapeTwoPhase cycles come from enable/disable call pairs carrying a lock id.
	ShapeTwoPhase CycleShape = "two-phase"
	// ShapeFourPhase cycles come from nested critical_section/critical_load calls.
	ShapeFourPhase CycleShape = "four-phase"
	// ShapeSpan cycles are a single enter/exit pair.
	ShapeSpan CycleShape = "span"
)

// Cycle is one reconstructed lifecycle of a lock acquisition attempt.
//
// For two-phase cycles Attempt/Acquire are the enter/exit of the acquire call and
// Release/Deviate the enter/exit of the release call. For spans Attempt==Acquire is
// the entry and Release==Deviate the exit.
type Cycle struct {
	Shape    CycleShape `json:"shape" bson:"shape"`
	Lock     LockID     `json:"lock" bson:"lock"`
	Function string     `json:"function,omitempty" bson:"function,omitempty"`
	Thread   int        `json:"thread" bson:"thread"`
	Process  int        `json:"process" bson:"process"`
	Attempt  int64      `json:"attempt" bson:"attempt"`
	Acquire  int64      `json:"acquire" bson:"acquire"`
	Release  int64      `json:"release" bson:"release"`
	Deviate  int64      `json:"deviate" bson:"deviate"`
}

// Duration is the whole lifecycle, first attempt to the end of the release.
func (c Cycle) Duration() int64 { return c.Deviate - c.Attempt }

// Possession is the time the lock was held.
func (c Cycle) Possession() int64 { return c.Release - c.Acquire }

// Wait is the time spent acquiring.
func (c Cycle) Wait() int64 { return c.Acquire - c.Attempt }

// Hold is the two-phase name for Possession.
func (c Cycle) Hold() int64 { return c.Possession() }

// Life runs from the first attempt to the start of the release.
func (c Cycle) Life() int64 { return c.Release - c.Attempt }

// Validate checks phase ordering and positive extents.
func (c Cycle) Validate() error {
	if c.Attempt > c.Acquire || c.Acquire > c.Release || c.Release > c.Deviate {
		return fmt.Errorf("timestamps out of phase order: attempt=%d acquire=%d release=%d deviate=%d",
			c.Attempt, c.Acquire, c.Release, c.Deviate)
	}
	if c.Duration() <= 0 {
		return fmt.Errorf("non-positive duration %d", c.Duration())
	}
	if c.Possession() <= 0 {
		return fmt.Errorf("non-positive possession %d", c.Possession())
	}
	return nil
}

func (c Cycle) String() string {
	return fmt.Sprintf("%s cycle thread:%d %s tsc[attempt=%d acquire=%d release=%d deviate=%d]",
		c.Shape, c.Thread, c.Lock, c.Attempt, c.Acquire, c.Release, c.Deviate)
}
