package flash

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is a stage of a flash run.
type Phase uint8

const (
	PhaseErase Phase = iota + 1
	PhaseProgram
	PhaseVerify
)

var phaseNames = map[Phase]string{
	PhaseErase:   "erase",
	PhaseProgram: "program",
	PhaseVerify:  "verify",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", p)
}

// Progress is a snapshot of the current phase. Counters restart at every
// phase change.
type Progress struct {
	Phase Phase

	ElementsTotal int
	ElementsDone  int
	BytesTotal    int
	BytesDone     int

	// Units are pages during erase and chunks otherwise.
	UnitsTotal int
	UnitsDone  int
}

// Percent returns the completed share of the phase in [0, 100].
func (p Progress) Percent() float64 {
	if p.BytesTotal == 0 {
		return 100
	}
	return float64(p.BytesDone) * 100 / float64(p.BytesTotal)
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %d/%d bytes, %d/%d elements", p.Phase, p.BytesDone, p.BytesTotal, p.ElementsDone, p.ElementsTotal)
}

// Outcome is how a run ended.
type Outcome uint8

const (
	Success Outcome = iota + 1
	Cancelled
	Failed
)

var outcomeNames = map[Outcome]string{
	Success:   "success",
	Cancelled: "cancelled",
	Failed:    "failed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", o)
}

// Result is the terminal value of a run.
type Result struct {
	RunID   uuid.UUID
	Outcome Outcome
	// Err is nil on success, the cancellation cause when cancelled and the
	// failure otherwise.
	Err error

	// Progress is the last snapshot before the run ended.
	Progress Progress
	// ChunksWritten counts download blocks completed across the run.
	ChunksWritten int
	PagesErased   int
	Duration      time.Duration
}
