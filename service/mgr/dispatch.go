package mgr

import (
	"time"
)

// Resolve returns the handler a fault of the given unit would be dispatched
// to right now, together with the precedence level it was found on:
//  1. the handler of the unit itself,
//  2. the first custom handler of the unit's group or one of its parents,
//  3. the global handler of the config,
//  4. the built-in default action.
func (m *Manager) Resolve(u *Unit) (FaultHandler, HandlerKind) {
	if h := u.FaultHandler(); h != nil {
		return h, HandlerSpecific
	}

	// Groups without a handler pass the fault on to their parent.
	for g := u.group; g != nil; g = g.parent {
		if h := g.FaultHandler(); h != nil {
			return h, HandlerGroup
		}
	}

	if h := m.cfg.GlobalFaultHandler(); h != nil {
		return h, HandlerGlobal
	}

	return m.cfg.defaultHandler, HandlerDefault
}

// dispatch hands the fault to exactly one handler. Runs on the goroutine of
// the failing unit.
func (m *Manager) dispatch(u *Unit, f *Fault) {
	if !u.dispatched.SetToIf(false, true) {
		return
	}

	h, kind := m.Resolve(u)
	u.handledBy.Store(kind)
	u.state.Store(int32(UnitStateDispatched))

	if f.Origin != "" {
		u.Debug("unit failed", "err", f, "handler", kind, "file", f.Origin)
	} else {
		u.Debug("unit failed", "err", f, "handler", kind)
	}

	handlerPanicked := m.callHandler(u, h, kind, f)

	m.cfg.countMetric("faults_dispatched_total", map[string]string{"handler": string(kind)})
	if handlerPanicked {
		m.cfg.countMetric("fault_handler_panics_total", map[string]string{"handler": string(kind)})
	}

	m.cfg.faults.Submit(FaultEvent{
		UnitID:          u.id,
		Unit:            u.name,
		Group:           u.group.name,
		Manager:         m.name,
		Handler:         kind,
		Fault:           f,
		Time:            time.Now(),
		HandlerPanicked: handlerPanicked,
	})
}

// callHandler runs the handler. A panic of the handler is logged and
// dropped; it is never dispatched again.
func (m *Manager) callHandler(u *Unit, h FaultHandler, kind HandlerKind, f *Fault) (panicked bool) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			panicked = true
			u.Warn(
				"fault handler panicked",
				"handler", kind,
				"err", f,
				"panic", panicVal,
			)
		}
	}()

	h.HandleFault(u, f)
	return false
}
