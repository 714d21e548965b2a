package mgr

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Manager manages units.
type Manager struct {
	name   string
	cfg    *Config
	logger *slog.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	mainGroup *Group
	unitSeq   atomic.Uint64

	units     map[*Unit]struct{}
	unitsLock sync.Mutex

	unitCnt   atomic.Int32
	unitsDone chan struct{}
}

// New returns a new manager.
// A nil config creates a new, separate configuration.
func New(name string, cfg *Config) *Manager {
	return NewWithContext(context.Background(), name, cfg)
}

// NewWithContext returns a new manager that uses the given context.
func NewWithContext(ctx context.Context, name string, cfg *Config) *Manager {
	if cfg == nil {
		cfg = NewConfig(nil)
	}

	m := &Manager{
		name:      name,
		cfg:       cfg,
		logger:    cfg.logger.With("manager", name),
		units:     make(map[*Unit]struct{}),
		unitsDone: make(chan struct{}),
	}
	m.ctx, m.cancelCtx = context.WithCancel(ctx)
	m.mainGroup = &Group{
		name: "main",
		mgr:  m,
	}
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Config returns the fault configuration of the manager.
func (m *Manager) Config() *Config {
	return m.cfg
}

// MainGroup returns the root group. Units without an explicit group belong to it.
func (m *Manager) MainGroup() *Group {
	return m.mainGroup
}

// Ctx returns the manager context.
func (m *Manager) Ctx() context.Context {
	return m.ctx
}

// Cancel cancels the manager context.
func (m *Manager) Cancel() {
	m.cancelCtx()
}

// Done returns the context Done channel.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// IsDone checks whether the manager context is done.
func (m *Manager) IsDone() bool {
	return m.ctx.Err() != nil
}

// Debug logs at LevelDebug.
// The manager context is automatically supplied.
func (m *Manager) Debug(msg string, args ...any) {
	m.logger.DebugContext(m.ctx, msg, args...)
}

// Info logs at LevelInfo.
// The manager context is automatically supplied.
func (m *Manager) Info(msg string, args ...any) {
	m.logger.InfoContext(m.ctx, msg, args...)
}

// Warn logs at LevelWarn.
// The manager context is automatically supplied.
func (m *Manager) Warn(msg string, args ...any) {
	m.logger.WarnContext(m.ctx, msg, args...)
}

// Error logs at LevelError.
// The manager context is automatically supplied.
func (m *Manager) Error(msg string, args ...any) {
	m.logger.ErrorContext(m.ctx, msg, args...)
}

// NewGroup creates a new group below the main group.
// A nil handler makes the group pass faults on to its parent.
func (m *Manager) NewGroup(name string, h FaultHandler) *Group {
	return m.mainGroup.NewGroup(name, h)
}

// NewUnit creates a new unit in the main group. It must be started with Start.
// An empty name is replaced by "unit-<n>".
func (m *Manager) NewUnit(name string, fn UnitFunc) *Unit {
	return m.mainGroup.NewUnit(name, fn)
}

// Go creates and starts a new unit in the main group.
func (m *Manager) Go(name string, fn UnitFunc) *Unit {
	return m.mainGroup.Go(name, fn)
}

// Do runs a new unit of the main group directly on the calling goroutine.
// See Group.Do.
func (m *Manager) Do(name string, fn UnitFunc) error {
	return m.mainGroup.Do(name, fn)
}

// WaitForUnits waits for all units of this manager to be done.
// The default maximum waiting time is one minute.
func (m *Manager) WaitForUnits(max time.Duration) (done bool) {
	// Return immediately if there are no units.
	if m.unitCnt.Load() == 0 {
		return true
	}

	// Setup timers.
	reCheckDuration := 100 * time.Millisecond
	if max <= 0 {
		max = time.Minute
	}
	reCheck := time.NewTimer(reCheckDuration)
	maxWait := time.NewTimer(max)
	defer reCheck.Stop()
	defer maxWait.Stop()

	// Wait for units to finish, plus check the count in intervals.
	for {
		if m.unitCnt.Load() == 0 {
			return true
		}

		select {
		case <-m.unitsDone:
			return true

		case <-reCheck.C:
			// Check unit count again.
			// This is a dead simple and effective way to avoid all the channel race conditions.
			reCheckDuration *= 2
			reCheck.Reset(reCheckDuration)

		case <-maxWait.C:
			return m.unitCnt.Load() == 0
		}
	}
}

func (m *Manager) unitStart(u *Unit) {
	m.unitCnt.Add(1)
	u.group.active.Add(1)

	m.unitsLock.Lock()
	defer m.unitsLock.Unlock()
	m.units[u] = struct{}{}
}

func (m *Manager) unitDone(u *Unit) {
	m.unitsLock.Lock()
	delete(m.units, u)
	m.unitsLock.Unlock()

	u.group.active.Add(-1)
	if m.unitCnt.Add(-1) == 0 {
		// Notify all waiters.
		for {
			select {
			case m.unitsDone <- struct{}{}:
			default:
				return
			}
		}
	}
}

func (m *Manager) nextUnitName() string {
	return "unit-" + strconv.FormatUint(m.unitSeq.Add(1)-1, 10)
}
