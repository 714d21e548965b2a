package mgr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/maruel/panicparse/v2/stack"
)

// UnitInfo holds status information about the running units of a manager.
type UnitInfo struct {
	Running int
	Waiting int

	Other   int
	Missing int

	Units []*UnitInfoDetail
}

// UnitInfoDetail holds status information about a single unit.
type UnitInfoDetail struct {
	State       string
	Mgr         string
	Group       string
	Name        string
	Func        string
	CurrentLine string
	ExtraInfo   string
}

// UnitInfo returns status information for all running units of this manager.
// If no snapshot is given, the stacks of all goroutines are captured.
func (m *Manager) UnitInfo(s *stack.Snapshot) (*UnitInfo, error) {
	var err error
	if s == nil {
		s, _, err = stack.ScanSnapshot(bytes.NewReader(fullStack()), io.Discard, stack.DefaultOpts())
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("get stack: %w", err)
		}
	}

	m.unitsLock.Lock()
	units := make([]*Unit, 0, len(m.units))
	for u := range m.units {
		units = append(units, u)
	}
	m.unitsLock.Unlock()

	ui := &UnitInfo{
		Units: make([]*UnitInfoDetail, 0, len(units)),
	}

	for _, u := range units {
		ud := &UnitInfoDetail{
			Mgr:   m.name,
			Group: u.group.name,
			Name:  u.name,
			Func:  getFuncName(u.fn),
		}

		// Search for the stack of this unit.
	goroutines:
		for _, gr := range s.Goroutines {
			for _, call := range gr.Stack.Calls {
				fullFuncName := call.Func.ImportPath + "." + call.Func.Name
				if fullFuncName != ud.Func {
					continue
				}
				ud.State = gr.State
				ud.CurrentLine = call.ImportPath + "/" + call.SrcName + ":" + strconv.Itoa(call.Line)
				if ud.State == "sleep" { //nolint:goconst
					ud.ExtraInfo = gr.SleepString()
				}
				break goroutines
			}
		}

		// Summarize and add to list.
		switch ud.State {
		case "idle", "runnable", "running", "syscall",
			"waiting", "dead", "enqueue", "copystack":
			ui.Running++
		case "chan send", "chan receive", "select", "IO wait",
			"panicwait", "semacquire", "semarelease", "sleep",
			"sync.Mutex.Lock":
			ui.Waiting++
		case "":
			ui.Missing++
			ud.State = "missing"
		default:
			ui.Other++
		}

		ui.Units = append(ui.Units, ud)
	}

	slices.SortFunc(ui.Units, func(a, b *UnitInfoDetail) int {
		if c := strings.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return ui, nil
}

// Format formats the unit information as a readable table.
func (ui *UnitInfo) Format() string {
	buf := bytes.NewBuffer(nil)

	// Add summary.
	fmt.Fprintf(buf,
		"%d Units: %d running, %d waiting\n\n",
		len(ui.Units),
		ui.Running,
		ui.Waiting,
	)

	// Build table.
	tabWriter := tabwriter.NewWriter(buf, 4, 4, 3, ' ', 0)
	_, _ = fmt.Fprintf(tabWriter, "State\tManager\tGroup\tName\tUnit Func\tCurrent Line\tExtra Info\n")

	for _, ud := range ui.Units {
		_, _ = fmt.Fprintf(tabWriter,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ud.State,
			ud.Mgr,
			ud.Group,
			ud.Name,
			ud.Func,
			ud.CurrentLine,
			ud.ExtraInfo,
		)
	}
	_ = tabWriter.Flush()

	return buf.String()
}

func getFuncName(fn UnitFunc) string {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	return strings.TrimSuffix(name, "-fm")
}

func fullStack() []byte {
	buf := make([]byte, 8096)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
