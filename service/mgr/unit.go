package mgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"github.com/safing/faultmgr/base/utils"
)

// ErrUnitStarted is returned when a unit is started more than once.
var ErrUnitStarted = errors.New("unit already started")

// UnitFunc is the entry point of a unit.
// A panic escaping it or a returned error, other than a context cancellation,
// is a fault and is dispatched to a fault handler.
type UnitFunc func(u *Unit) error

// unitContextKey is a key used for the context key/value storage.
type unitContextKey struct{}

// UnitContextKey is the key used to add the Unit to a context.
var UnitContextKey = unitContextKey{}

// Unit is a unit of work: a function that runs on its own goroutine and
// belongs to exactly one group for its lifetime.
type Unit struct {
	id   string
	name string
	fn   UnitFunc

	mgr   *Manager
	group *Group

	handler handlerSlot

	ctx       context.Context
	cancelCtx context.CancelFunc
	logger    *slog.Logger

	state      atomic.Int32
	fault      atomic.Pointer[Fault]
	handledBy  atomic.Value
	dispatched abool.AtomicBool
	done       chan struct{}
}

func newUnitID(name string) string {
	return utils.RandomUUID(name).String()
}

// AddToCtx adds the Unit to the given context.
func (u *Unit) AddToCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, UnitContextKey, u)
}

// UnitFromCtx returns the Unit from the given context.
func UnitFromCtx(ctx context.Context) *Unit {
	v := ctx.Value(UnitContextKey)
	if u, ok := v.(*Unit); ok {
		return u
	}
	return nil
}

// ID returns the unique ID of the unit.
func (u *Unit) ID() string {
	return u.id
}

// Name returns the unit name.
func (u *Unit) Name() string {
	return u.name
}

// Group returns the group the unit belongs to.
func (u *Unit) Group() *Group {
	return u.group
}

// Manager returns the manager the unit was created by.
func (u *Unit) Manager() *Manager {
	return u.mgr
}

// State returns the current lifecycle state.
func (u *Unit) State() UnitState {
	return UnitState(u.state.Load())
}

// SetFaultHandler sets the handler of this unit and returns the previous one.
// It may be called before or while the unit runs.
func (u *Unit) SetFaultHandler(h FaultHandler) (previous FaultHandler) {
	return u.handler.Swap(h)
}

// FaultHandler returns the handler set on this unit, or nil.
func (u *Unit) FaultHandler() FaultHandler {
	return u.handler.Load()
}

// Fault returns the fault the unit terminated with, or nil.
// Final after Join returned.
func (u *Unit) Fault() *Fault {
	return u.fault.Load()
}

// HandledBy returns the kind of handler the fault was dispatched to.
// Returns HandlerNone if there was no fault (yet).
func (u *Unit) HandledBy() HandlerKind {
	if kind, ok := u.handledBy.Load().(HandlerKind); ok {
		return kind
	}
	return HandlerNone
}

// Ctx returns the unit context.
// Is automatically canceled after the unit returns, regardless of fault.
// Only valid after the unit was started.
func (u *Unit) Ctx() context.Context {
	return u.ctx
}

// Cancel cancels the unit context.
func (u *Unit) Cancel() {
	if u.cancelCtx != nil {
		u.cancelCtx()
	}
}

// Done returns a channel that is closed when the unit finished, including
// the dispatch of its fault.
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// IsDone checks whether the unit context is done.
func (u *Unit) IsDone() bool {
	return u.ctx != nil && u.ctx.Err() != nil
}

// Start starts the unit on a new goroutine.
func (u *Unit) Start() error {
	if err := u.begin(); err != nil {
		return err
	}
	go u.run()
	return nil
}

// Join waits for the unit to finish. A fault of the unit is never returned
// or re-raised here; it has been dispatched before Join returns.
// Join returns immediately if the unit was not started.
func (u *Unit) Join() {
	if u.State() == UnitStateNew {
		return
	}
	<-u.done
}

// JoinContext waits for the unit to finish or the context to be done.
// It returns immediately if the unit was not started.
func (u *Unit) JoinContext(ctx context.Context) error {
	if u.State() == UnitStateNew {
		return nil
	}

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logger returns the logger used by the unit.
func (u *Unit) Logger() *slog.Logger {
	if u.logger == nil {
		return u.mgr.logger.With("unit", u.name, "group", u.group.name)
	}
	return u.logger
}

// Debug logs at LevelDebug.
// The unit context is automatically supplied.
func (u *Unit) Debug(msg string, args ...any) {
	u.Log(slog.LevelDebug, msg, args...)
}

// Info logs at LevelInfo.
// The unit context is automatically supplied.
func (u *Unit) Info(msg string, args ...any) {
	u.Log(slog.LevelInfo, msg, args...)
}

// Warn logs at LevelWarn.
// The unit context is automatically supplied.
func (u *Unit) Warn(msg string, args ...any) {
	u.Log(slog.LevelWarn, msg, args...)
}

// Error logs at LevelError.
// The unit context is automatically supplied.
func (u *Unit) Error(msg string, args ...any) {
	u.Log(slog.LevelError, msg, args...)
}

// Log emits a log record with the current time and the given level and message.
// The unit context is automatically supplied.
func (u *Unit) Log(level slog.Level, msg string, args ...any) {
	logger := u.Logger()
	ctx := u.ctx
	if ctx == nil {
		ctx = u.mgr.ctx
	}
	if !logger.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip "Callers", "Log" and the calling function.
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(ctx, r)
}

// begin moves the unit to the running state and registers it.
func (u *Unit) begin() error {
	if !u.state.CompareAndSwap(int32(UnitStateNew), int32(UnitStateRunning)) {
		return fmt.Errorf("%w: %s", ErrUnitStarted, u.name)
	}

	u.logger = u.mgr.logger.With("unit", u.name, "group", u.group.name)
	u.ctx, u.cancelCtx = context.WithCancel(u.mgr.ctx)
	u.mgr.unitStart(u)
	u.mgr.cfg.countMetric("units_started_total", nil)
	return nil
}

// run executes the unit and, if it faults, dispatches the fault on the
// current goroutine before the unit is marked done.
func (u *Unit) run() {
	defer u.finish()

	fault := u.mgr.runUnit(u)
	if fault == nil {
		return
	}

	u.fault.Store(fault)
	u.state.Store(int32(UnitStateTerminated))
	u.mgr.dispatch(u, fault)
}

func (u *Unit) finish() {
	u.state.Store(int32(UnitStateDone))
	u.mgr.unitDone(u)
	close(u.done)
}

func (m *Manager) runUnit(u *Unit) (fault *Fault) {
	// Unit context is canceled when the unit finished or dies.
	defer u.Cancel()

	// Recover from panic.
	defer func() {
		if panicVal := recover(); panicVal != nil {
			fault = capturePanic(panicVal)
		}
	}()

	err := u.fn(u)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// A canceled context or exceeded deadline means that the unit is finished.
		u.Debug("unit canceled", "err", err)
		return nil

	default:
		return newErrorFault(err)
	}
}
