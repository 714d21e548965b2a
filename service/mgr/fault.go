package mgr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/panicparse/v2/stack"
)

// Fault describes why a unit terminated abnormally.
// It is either a recovered panic or an error returned by the unit function.
type Fault struct {
	// Value is the recovered panic value. Nil for returned errors.
	Value any
	// Err is the underlying error, if there is one.
	Err error
	// Panicked is true when the unit terminated by panicking.
	Panicked bool
	// Stack holds the stack trace of the unit at the time of the panic.
	Stack []byte
	// Origin is the file and line where the panic was raised, if known.
	Origin string
	// Time is when the fault was recorded.
	Time time.Time
}

// Error returns the fault description.
func (f *Fault) Error() string {
	switch {
	case f == nil:
		return "<nil>"
	case f.Panicked:
		return fmt.Sprintf("panic: %v", f.Value)
	case f.Err != nil:
		return f.Err.Error()
	default:
		return "unknown fault"
	}
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

func newPanicFault(panicVal any, stackTrace []byte) *Fault {
	f := &Fault{
		Value:    panicVal,
		Panicked: true,
		Stack:    stackTrace,
		Time:     time.Now(),
	}
	if err, ok := panicVal.(error); ok {
		f.Err = err
	} else {
		f.Err = fmt.Errorf("%v", panicVal)
	}
	f.Origin = panicOrigin(stackTrace)
	return f
}

func newErrorFault(err error) *Fault {
	return &Fault{
		Err:  err,
		Time: time.Now(),
	}
}

// capturePanic must be called from the deferred function that recovered.
func capturePanic(panicVal any) *Fault {
	return newPanicFault(panicVal, debug.Stack())
}

// panicOrigin finds the call that raised the panic in the given stack trace.
// Runtime frames between the panic and the code that caused it are skipped.
func panicOrigin(stackTrace []byte) string {
	s, _, err := stack.ScanSnapshot(bytes.NewReader(stackTrace), io.Discard, stack.DefaultOpts())
	if (err == nil || errors.Is(err, io.EOF)) && s != nil {
		for _, gr := range s.Goroutines {
			calls := gr.Stack.Calls
			for i, call := range calls {
				if !isPanicCall(call) {
					continue
				}
				for _, next := range calls[i+1:] {
					if isRuntimePkg(next.Func.ImportPath) {
						continue
					}
					if next.SrcName == "" {
						break
					}
					return next.ImportPath + "/" + next.SrcName + ":" + strconv.Itoa(next.Line)
				}
				break
			}
		}
	}

	// Fall back to searching the raw trace.
	// Every frame is a function line followed by an indented location line.
	stackLines := strings.Split(string(stackTrace), "\n")
	for i, line := range stackLines {
		if !strings.HasPrefix(line, "panic(") {
			continue
		}
		for j := i + 2; j+1 < len(stackLines); j += 2 {
			fn, _, _ := strings.Cut(stackLines[j], "(")
			if dot := strings.LastIndex(fn, "."); dot > 0 && isRuntimePkg(fn[:dot]) {
				continue
			}
			return strings.SplitN(strings.TrimSpace(stackLines[j+1]), " ", 2)[0]
		}
		break
	}
	return ""
}

func isRuntimePkg(importPath string) bool {
	return importPath == "runtime" ||
		strings.HasPrefix(importPath, "runtime/") ||
		strings.HasPrefix(importPath, "internal/runtime/")
}

func isPanicCall(call stack.Call) bool {
	switch {
	case call.Func.ImportPath == "" && call.Func.Name == "panic":
		return true
	case call.Func.ImportPath == "runtime" && call.Func.Name == "gopanic":
		return true
	default:
		return false
	}
}
