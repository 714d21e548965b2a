package mgr

// UnitState describes where a unit is in its lifecycle.
type UnitState int32

// Unit States.
const (
	UnitStateNew UnitState = iota
	UnitStateRunning
	UnitStateTerminated
	UnitStateDispatched
	UnitStateDone
)

//nolint:goconst
func (s UnitState) String() string {
	switch s {
	case UnitStateNew:
		return "new"
	case UnitStateRunning:
		return "running"
	case UnitStateTerminated:
		return "terminated"
	case UnitStateDispatched:
		return "dispatched"
	case UnitStateDone:
		return "done"
	}

	return "unknown"
}
