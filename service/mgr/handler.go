package mgr

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// FaultHandler is notified when a unit terminates because of a fault.
type FaultHandler interface {
	HandleFault(u *Unit, f *Fault)
}

// FaultHandlerFunc adapts a function to the FaultHandler interface.
type FaultHandlerFunc func(u *Unit, f *Fault)

// HandleFault calls fn(u, f).
func (fn FaultHandlerFunc) HandleFault(u *Unit, f *Fault) {
	fn(u, f)
}

// HandlerKind identifies the precedence level a handler was selected from.
type HandlerKind string

// Handler Kinds.
const (
	HandlerNone     HandlerKind = ""
	HandlerSpecific HandlerKind = "specific"
	HandlerGroup    HandlerKind = "group"
	HandlerGlobal   HandlerKind = "global"
	HandlerDefault  HandlerKind = "default"
)

// handlerSlot holds zero or one handler and may be swapped concurrently.
type handlerSlot struct {
	p atomic.Pointer[handlerBox]
}

type handlerBox struct {
	h FaultHandler
}

func (s *handlerSlot) Load() FaultHandler {
	if box := s.p.Load(); box != nil {
		return box.h
	}
	return nil
}

// Swap stores the handler and returns the previous one.
// A nil handler empties the slot.
func (s *handlerSlot) Swap(h FaultHandler) FaultHandler {
	var box *handlerBox
	if h != nil {
		box = &handlerBox{h: h}
	}
	if old := s.p.Swap(box); old != nil {
		return old.h
	}
	return nil
}

// SyncWriter serializes writes so that lines of concurrent units do not
// interleave. Handlers that share an output should share one SyncWriter.
type SyncWriter struct {
	lock sync.Mutex
	w    io.Writer
}

// NewSyncWriter wraps w. If w already is a SyncWriter, it is returned as is.
// A nil writer discards everything.
func NewSyncWriter(w io.Writer) *SyncWriter {
	if sw, ok := w.(*SyncWriter); ok {
		return sw
	}
	if w == nil {
		w = io.Discard
	}
	return &SyncWriter{w: w}
}

// Write writes p to the underlying writer while holding the lock.
func (sw *SyncWriter) Write(p []byte) (int, error) {
	sw.lock.Lock()
	defer sw.lock.Unlock()

	return sw.w.Write(p)
}

// PrintHandler writes one diagnostic line per fault.
type PrintHandler struct {
	tag string
	out *SyncWriter
}

// NewPrintHandler returns a handler that writes
// "Caught <tag>: <fault> in: <unit name>" to w.
// Pass a SyncWriter to share w with other handlers.
func NewPrintHandler(w io.Writer, tag string) *PrintHandler {
	return &PrintHandler{
		tag: tag,
		out: NewSyncWriter(w),
	}
}

// NewSpecificHandler returns the handler meant to be installed on single units.
func NewSpecificHandler(w io.Writer) *PrintHandler {
	return NewPrintHandler(w, "specific")
}

// NewGroupHandler returns the handler meant to be installed on the group with the given name.
func NewGroupHandler(w io.Writer, groupName string) *PrintHandler {
	return NewPrintHandler(w, "in "+groupName)
}

// NewGlobalHandler returns the handler meant to be installed as the global handler.
func NewGlobalHandler(w io.Writer) *PrintHandler {
	return NewPrintHandler(w, "global")
}

// HandleFault writes the diagnostic line.
func (ph *PrintHandler) HandleFault(u *Unit, f *Fault) {
	_, _ = fmt.Fprintf(ph.out, "Caught %s: %s in: %s\n", ph.tag, f, u.Name())
}

// defaultHandler is the built-in action used when no other handler is found.
type defaultHandler struct {
	out        *SyncWriter
	printStack bool
}

func (dh *defaultHandler) HandleFault(u *Unit, f *Fault) {
	msg := fmt.Sprintf("Exception in unit %q: %s\n", u.Name(), f)
	if dh.printStack && len(f.Stack) > 0 {
		msg += string(f.Stack)
		if msg[len(msg)-1] != '\n' {
			msg += "\n"
		}
	}
	_, _ = io.WriteString(dh.out, msg)
}
