package mgr

import (
	"sync/atomic"
)

// Group is a named collection of units that may share a fault handler.
// Groups form a tree below the main group of their manager.
type Group struct {
	name   string
	mgr    *Manager
	parent *Group

	handler handlerSlot
	active  atomic.Int32
}

// NewGroup creates a new child group.
// A nil handler keeps the default behavior: faults are passed on to the parent group.
func (g *Group) NewGroup(name string, h FaultHandler) *Group {
	child := &Group{
		name:   name,
		mgr:    g.mgr,
		parent: g,
	}
	child.handler.Swap(h)
	return child
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Manager returns the manager the group belongs to.
func (g *Group) Manager() *Manager {
	return g.mgr
}

// Parent returns the parent group, or nil for the main group.
func (g *Group) Parent() *Group {
	return g.parent
}

// FaultHandler returns the custom handler of the group, or nil.
func (g *Group) FaultHandler() FaultHandler {
	return g.handler.Load()
}

// SetFaultHandler sets the custom handler of the group and returns the previous one.
// A nil handler restores the default pass-through behavior.
func (g *Group) SetFaultHandler(h FaultHandler) (previous FaultHandler) {
	return g.handler.Swap(h)
}

// ActiveCount returns the number of units of this group that are currently running.
// Units of child groups are not included.
func (g *Group) ActiveCount() int {
	return int(g.active.Load())
}

// NewUnit creates a new unit in this group. It must be started with Start.
// An empty name is replaced by "unit-<n>".
func (g *Group) NewUnit(name string, fn UnitFunc) *Unit {
	if name == "" {
		name = g.mgr.nextUnitName()
	}

	return &Unit{
		id:    newUnitID(name),
		name:  name,
		fn:    fn,
		mgr:   g.mgr,
		group: g,
		done:  make(chan struct{}),
	}
}

// Go creates and starts a new unit in this group.
func (g *Group) Go(name string, fn UnitFunc) *Unit {
	u := g.NewUnit(name, fn)
	_ = u.Start() // Cannot fail on a new unit.
	return u
}

// Do runs a new unit of this group directly on the calling goroutine.
// A fault is dispatched like for any other unit before Do returns.
// The fault is returned for inspection only; it has already been handled.
func (g *Group) Do(name string, fn UnitFunc) error {
	u := g.NewUnit(name, fn)
	if err := u.begin(); err != nil {
		return err
	}
	u.run()

	if f := u.Fault(); f != nil {
		return f
	}
	return nil
}
