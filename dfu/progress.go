package dfu

type Phase string

const (
	PhaseErase  Phase = "erase"
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
	PhaseRead   Phase = "read"
	PhaseDone   Phase = "done"
)

// Progress is passed to the progress callback after every erased page and
// every transferred chunk. Done and Total count bytes of the current phase.
type Progress struct {
	Phase Phase
	Done  int
	Total int
}

// ProgressCallback runs on the flashing goroutine and should return quickly.
type ProgressCallback func(Progress)
