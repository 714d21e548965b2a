package mgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/faultmgr/base/metrics"
)

func endsExceptionally(_ *Unit) error {
	panic(errors.New("exception!"))
}

type testOutput struct {
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestManager(t *testing.T) (*Manager, testOutput) {
	t.Helper()

	out := testOutput{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	m := New(t.Name(), NewConfig(&Options{
		DiagnosticOutput: out.stderr,
	}))
	t.Cleanup(m.Cancel)
	return m, out
}

func lines(buf *bytes.Buffer) []string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestSpecificHandler(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))
	g := m.NewGroup("My Thread Group", NewGroupHandler(out.stdout, "My Thread Group"))

	u := g.NewUnit("", endsExceptionally)
	u.SetFaultHandler(NewSpecificHandler(out.stdout))
	require.NoError(t, u.Start())
	u.Join()

	assert.Equal(t, []string{"Caught specific: panic: exception! in: unit-0"}, lines(out.stdout))
	assert.Empty(t, out.stderr.String())
	assert.Equal(t, HandlerSpecific, u.HandledBy())
	assert.Equal(t, UnitStateDone, u.State())
}

func TestGlobalHandler(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	previous := m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))
	assert.Nil(t, previous)

	u := m.Go("", endsExceptionally)
	u.Join()

	assert.Equal(t, []string{"Caught global: panic: exception! in: unit-0"}, lines(out.stdout))
	assert.Equal(t, HandlerGlobal, u.HandledBy())
}

func TestGroupHandler(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	g := m.NewGroup("My Thread Group", NewGroupHandler(out.stdout, "My Thread Group"))

	u := g.Go("", endsExceptionally)
	u.Join()

	assert.Equal(t, []string{"Caught in My Thread Group: panic: exception! in: unit-0"}, lines(out.stdout))
	assert.Equal(t, HandlerGroup, u.HandledBy())
	assert.Same(t, g, u.Group())
}

func TestUnhandled(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)

	u := m.Go("", endsExceptionally)
	u.Join()

	assert.Empty(t, out.stdout.String())
	assert.Equal(t, []string{`Exception in unit "unit-0": panic: exception!`}, lines(out.stderr))
	assert.Equal(t, HandlerDefault, u.HandledBy())
	require.NotNil(t, u.Fault())
	assert.True(t, u.Fault().Panicked)
}

func TestDefaultHandlerPrintsStack(t *testing.T) {
	t.Parallel()

	stderr := &bytes.Buffer{}
	m := New("stack", NewConfig(&Options{
		DiagnosticOutput: stderr,
		PrintStack:       true,
	}))
	defer m.Cancel()

	m.Go("printer", endsExceptionally).Join()

	assert.True(t, strings.HasPrefix(stderr.String(), `Exception in unit "printer": panic: exception!`+"\n"))
	assert.Contains(t, stderr.String(), "goroutine ")
	assert.Contains(t, stderr.String(), "endsExceptionally")
}

func TestGroupWithoutHandlerFallsThrough(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))
	g := m.NewGroup("plain", nil)

	u := g.Go("worker", endsExceptionally)
	u.Join()

	assert.Equal(t, []string{"Caught global: panic: exception! in: worker"}, lines(out.stdout))
	assert.Equal(t, HandlerGlobal, u.HandledBy())
}

func TestNestedGroups(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))
	parent := m.NewGroup("parent", NewGroupHandler(out.stdout, "parent"))
	plainChild := parent.NewGroup("plain child", nil)
	customChild := parent.NewGroup("custom child", NewGroupHandler(out.stdout, "custom child"))

	plainChild.Go("a", endsExceptionally).Join()
	customChild.Go("b", endsExceptionally).Join()

	assert.Equal(t, []string{
		"Caught in parent: panic: exception! in: a",
		"Caught in custom child: panic: exception! in: b",
	}, lines(out.stdout))
	assert.Same(t, parent, plainChild.Parent())
	assert.Same(t, m.MainGroup(), parent.Parent())
	assert.Nil(t, m.MainGroup().Parent())
}

func TestMainGroupHandler(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))
	m.MainGroup().SetFaultHandler(NewGroupHandler(out.stdout, "main"))

	m.Go("", endsExceptionally).Join()
	assert.Equal(t, []string{"Caught in main: panic: exception! in: unit-0"}, lines(out.stdout))

	// Restoring the default behavior reaches the global handler again.
	m.MainGroup().SetFaultHandler(nil)
	m.Go("", endsExceptionally).Join()
	assert.Equal(t, "Caught global: panic: exception! in: unit-1", lines(out.stdout)[1])
}

func TestResolve(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	g := m.NewGroup("g", nil)
	u := g.NewUnit("resolve", endsExceptionally)

	_, kind := m.Resolve(u)
	assert.Equal(t, HandlerDefault, kind)

	global := NewGlobalHandler(out.stdout)
	m.Config().SetGlobalFaultHandler(global)
	h, kind := m.Resolve(u)
	assert.Equal(t, HandlerGlobal, kind)
	assert.Same(t, global, h)

	g.SetFaultHandler(NewGroupHandler(out.stdout, "g"))
	_, kind = m.Resolve(u)
	assert.Equal(t, HandlerGroup, kind)

	u.SetFaultHandler(NewSpecificHandler(out.stdout))
	_, kind = m.Resolve(u)
	assert.Equal(t, HandlerSpecific, kind)

	// Resolving never dispatches.
	assert.Empty(t, out.stdout.String())
	assert.Equal(t, UnitStateNew, u.State())
}

func TestReturnedError(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))

	errBroken := errors.New("broken pipe")
	u := m.Go("returner", func(_ *Unit) error {
		return fmt.Errorf("write result: %w", errBroken)
	})
	u.Join()

	assert.Equal(t, []string{"Caught global: write result: broken pipe in: returner"}, lines(out.stdout))
	require.NotNil(t, u.Fault())
	assert.False(t, u.Fault().Panicked)
	assert.ErrorIs(t, u.Fault(), errBroken)
}

func TestCanceledIsNotAFault(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))

	u := m.Go("canceled", func(u *Unit) error {
		u.Cancel()
		<-u.Ctx().Done()
		return u.Ctx().Err()
	})
	u.Join()

	clean := m.Go("clean", func(_ *Unit) error { return nil })
	clean.Join()

	assert.Empty(t, out.stdout.String())
	assert.Nil(t, u.Fault())
	assert.Equal(t, HandlerNone, u.HandledBy())
	assert.Equal(t, UnitStateDone, clean.State())
}

func TestHandlerPanicIsNotDispatched(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	var globalCalls atomic.Int32
	m.Config().SetGlobalFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {
		globalCalls.Add(1)
	}))
	sub := m.Config().Faults().Subscribe("test", 1)

	u := m.NewUnit("", endsExceptionally)
	u.SetFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {
		panic("handler broke")
	}))
	require.NoError(t, u.Start())
	u.Join()

	assert.Equal(t, int32(0), globalCalls.Load())
	assert.Empty(t, out.stderr.String())

	event := <-sub.Events()
	assert.True(t, event.HandlerPanicked)
	assert.Equal(t, HandlerSpecific, event.Handler)
}

func TestDispatchOnUnitGoroutine(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	var (
		unitGoroutine    string
		handlerGoroutine string
		stateInHandler   UnitState
		handled          bool
	)
	u := m.NewUnit("", func(_ *Unit) error {
		unitGoroutine = goroutineID()
		panic("exception!")
	})
	u.SetFaultHandler(FaultHandlerFunc(func(u *Unit, _ *Fault) {
		handlerGoroutine = goroutineID()
		stateInHandler = u.State()
		handled = true
	}))
	require.NoError(t, u.Start())
	u.Join()

	// Plain variables: Join must happen after the handler returned.
	assert.True(t, handled)
	assert.NotEmpty(t, unitGoroutine)
	assert.Equal(t, unitGoroutine, handlerGoroutine)
	assert.NotEqual(t, goroutineID(), handlerGoroutine)
	assert.Equal(t, UnitStateDispatched, stateInHandler)
}

func TestDispatchAtMostOnce(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	var calls atomic.Int32
	u := m.NewUnit("", endsExceptionally)
	u.SetFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {
		calls.Add(1)
	}))
	require.NoError(t, u.Start())
	u.Join()

	// A second dispatch attempt is ignored.
	m.dispatch(u, u.Fault())
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	m.Config().SetGlobalFaultHandler(NewGlobalHandler(out.stdout))

	u := m.NewUnit("twice", endsExceptionally)
	require.NoError(t, u.Start())
	require.ErrorIs(t, u.Start(), ErrUnitStarted)
	u.Join()
	require.ErrorIs(t, u.Start(), ErrUnitStarted)

	assert.Len(t, lines(out.stdout), 1)
}

func TestDo(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	g := m.NewGroup("sync", NewGroupHandler(out.stdout, "sync"))

	err := g.Do("direct", endsExceptionally)
	require.Error(t, err)
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.True(t, f.Panicked)
	assert.Equal(t, []string{"Caught in sync: panic: exception! in: direct"}, lines(out.stdout))

	require.NoError(t, m.Do("fine", func(_ *Unit) error { return nil }))
}

func TestDefaultNames(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	g := m.NewGroup("g", nil)

	assert.Equal(t, "unit-0", m.NewUnit("", endsExceptionally).Name())
	assert.Equal(t, "unit-1", g.NewUnit("", endsExceptionally).Name())
	assert.Equal(t, "named", m.NewUnit("named", endsExceptionally).Name())
	assert.Equal(t, "unit-2", m.NewUnit("", endsExceptionally).Name())
}

func TestConcurrentGlobalSwap(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	var a, b atomic.Int32
	handlerA := FaultHandlerFunc(func(_ *Unit, _ *Fault) { a.Add(1) })
	handlerB := FaultHandlerFunc(func(_ *Unit, _ *Fault) { b.Add(1) })
	m.Config().SetGlobalFaultHandler(handlerA)

	stop := make(chan struct{})
	var swapper sync.WaitGroup
	swapper.Add(1)
	go func() {
		defer swapper.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				m.Config().SetGlobalFaultHandler(handlerB)
			} else {
				m.Config().SetGlobalFaultHandler(handlerA)
			}
		}
	}()

	units := make([]*Unit, 0, 200)
	for range 200 {
		units = append(units, m.Go("", endsExceptionally))
	}
	for _, u := range units {
		u.Join()
	}
	close(stop)
	swapper.Wait()

	assert.Equal(t, int32(200), a.Load()+b.Load())
	assert.True(t, m.WaitForUnits(time.Second))
}

func TestFaultDetails(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	u := m.NewUnit("", func(_ *Unit) error {
		var values map[string]int
		values["boom"]++ // Assignment to nil map.
		return nil
	})
	u.SetFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {}))
	require.NoError(t, u.Start())
	u.Join()

	f := u.Fault()
	require.NotNil(t, f)
	assert.True(t, f.Panicked)
	assert.Contains(t, f.Error(), "assignment to entry in nil map")
	var runtimeErr runtime.Error
	assert.ErrorAs(t, f, &runtimeErr)
	assert.NotEmpty(t, f.Stack)
	assert.Contains(t, f.Origin, "dispatch_test.go:")
	assert.False(t, f.Time.IsZero())
}

func TestFaultOriginSkipsRuntime(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	u := m.NewUnit("", func(_ *Unit) error {
		var target *Unit
		return errors.New(target.name) // Nil pointer dereference.
	})
	u.SetFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {}))
	require.NoError(t, u.Start())
	u.Join()

	f := u.Fault()
	require.NotNil(t, f)
	assert.Contains(t, f.Origin, "dispatch_test.go:")
	assert.NotContains(t, f.Origin, "runtime/")
}

func TestFaultEvents(t *testing.T) {
	t.Parallel()

	m, out := newTestManager(t)
	g := m.NewGroup("events", NewGroupHandler(out.stdout, "events"))

	sub := m.Config().Faults().Subscribe("test", 10)
	var callbackUnits []string
	var callbackLock sync.Mutex
	m.Config().Faults().AddCallback("collect", func(event FaultEvent) (bool, error) {
		callbackLock.Lock()
		defer callbackLock.Unlock()
		callbackUnits = append(callbackUnits, event.Unit)
		return true, nil // Only the first event.
	})

	u := g.Go("first", endsExceptionally)
	u.Join()
	g.Go("second", endsExceptionally).Join()

	event := <-sub.Events()
	assert.Equal(t, "first", event.Unit)
	assert.Equal(t, u.ID(), event.UnitID)
	assert.Equal(t, "events", event.Group)
	assert.Equal(t, m.Name(), event.Manager)
	assert.Equal(t, HandlerGroup, event.Handler)
	assert.Equal(t, "second", (<-sub.Events()).Unit)

	callbackLock.Lock()
	defer callbackLock.Unlock()
	assert.Equal(t, []string{"first"}, callbackUnits)
}

func TestDispatchMetrics(t *testing.T) {
	t.Parallel()

	set, err := metrics.NewSet("test", nil)
	require.NoError(t, err)
	m := New("metrics", NewConfig(&Options{
		DiagnosticOutput: &bytes.Buffer{},
		Metrics:          set,
	}))
	defer m.Cancel()

	m.Go("", endsExceptionally).Join()
	m.Go("", endsExceptionally).Join()
	m.Go("", func(_ *Unit) error { return nil }).Join()

	values := set.ExportValues()
	assert.Equal(t, uint64(2), values[`test_faults_dispatched_total{handler="default"}`])
	assert.Equal(t, uint64(3), values[`test_units_started_total`])
}

func TestGroupActiveCount(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	g := m.NewGroup("active", nil)

	release := make(chan struct{})
	for range 3 {
		g.Go("", func(_ *Unit) error {
			<-release
			return nil
		})
	}
	assert.Equal(t, 3, g.ActiveCount())
	assert.Equal(t, 0, m.MainGroup().ActiveCount())
	assert.False(t, m.WaitForUnits(10*time.Millisecond))

	close(release)
	assert.True(t, m.WaitForUnits(time.Second))
	assert.Equal(t, 0, g.ActiveCount())
}

func TestJoinUnstarted(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	u := m.NewUnit("idle", endsExceptionally)

	u.Join()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, u.JoinContext(ctx))
	assert.Equal(t, UnitStateNew, u.State())
}

func TestJoinContext(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	release := make(chan struct{})
	u := m.Go("blocked", func(_ *Unit) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.JoinContext(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, u.JoinContext(context.Background()))
}

func TestUnitContext(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	var fromCtx *Unit
	u := m.Go("ctx", func(u *Unit) error {
		fromCtx = UnitFromCtx(u.AddToCtx(u.Ctx()))
		return nil
	})
	u.Join()

	assert.Same(t, u, fromCtx)
	assert.True(t, u.IsDone())
	assert.Nil(t, UnitFromCtx(context.Background()))
}

func goroutineID() string {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// First line: "goroutine 7 [running]:"
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

type sliceWriter []byte

func (sw sliceWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

type wrappedWriter struct {
	io.Writer
}

func TestSyncWriter(t *testing.T) {
	t.Parallel()

	// Comparable struct type holding an unhashable writer.
	assert.NotPanics(t, func() {
		h := NewSpecificHandler(wrappedWriter{sliceWriter(nil)})
		h.HandleFault(&Unit{name: "w"}, newErrorFault(errors.New("exception!")))
	})
	assert.NotPanics(t, func() {
		_ = NewConfig(&Options{DiagnosticOutput: wrappedWriter{sliceWriter(nil)}})
	})

	buf := &bytes.Buffer{}
	sw := NewSyncWriter(buf)
	assert.Same(t, sw, NewSyncWriter(sw))
	assert.NotSame(t, sw, NewSyncWriter(buf))

	// Handlers sharing a SyncWriter write whole lines.
	specific := NewSpecificHandler(sw)
	global := NewGlobalHandler(sw)
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := FaultHandler(specific)
			if i%2 == 0 {
				h = global
			}
			h.HandleFault(&Unit{name: "w"}, newErrorFault(errors.New("exception!")))
		}()
	}
	wg.Wait()

	out := lines(buf)
	require.Len(t, out, 100)
	for _, line := range out {
		assert.True(t,
			line == "Caught specific: exception! in: w" || line == "Caught global: exception! in: w",
			"unexpected line %q", line,
		)
	}

	// Nil writers discard.
	assert.NotPanics(t, func() {
		NewGlobalHandler(nil).HandleFault(&Unit{name: "w"}, newErrorFault(errors.New("exception!")))
	})
}

func TestFaultCallbackMayRegister(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	faults := m.Config().Faults()

	var registered atomic.Int32
	faults.AddCallback("register", func(_ FaultEvent) (bool, error) {
		faults.AddCallback("late", func(_ FaultEvent) (bool, error) {
			registered.Add(1)
			return true, nil
		})
		faults.Subscribe("late", 1).Cancel()
		return true, nil
	})

	u := m.NewUnit("", endsExceptionally)
	u.SetFaultHandler(FaultHandlerFunc(func(_ *Unit, _ *Fault) {}))
	require.NoError(t, u.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.JoinContext(ctx))
	assert.Equal(t, int32(0), registered.Load())

	m.Go("", endsExceptionally).Join()
	assert.Equal(t, int32(1), registered.Load())
}
