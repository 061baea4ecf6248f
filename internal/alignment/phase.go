package alignment

import "fmt"

// Phase is a step of the parametric search.
type Phase int

const (
	PhaseZoom Phase = iota
	PhaseShift
	PhaseRotate
	PhaseRefine
	PhaseDone
)

var phaseNames = [...]string{"zoom", "shift", "rotate", "refine", "done"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Next is the only phase p may advance to.
func (p Phase) Next() Phase {
	if p >= PhaseDone {
		return PhaseDone
	}
	return p + 1
}

// phaseMachine enforces zoom → shift → rotate → refine → done.
type phaseMachine struct {
	current Phase
}

func (m *phaseMachine) Current() Phase { return m.current }

func (m *phaseMachine) Advance(to Phase) error {
	if m.current == PhaseDone {
		return fmt.Errorf("search already finished, cannot enter %s", to)
	}
	if to != m.current.Next() {
		return fmt.Errorf("invalid phase transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
