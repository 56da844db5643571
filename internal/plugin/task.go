package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskOrigin distinguishes what caused a Task to run.
type TaskOrigin int

const (
	OriginEvent TaskOrigin = iota
	OriginCommand
	OriginLifecycle
)

// CommandInvocation is a parsed `!<plugin> <command> <args...>` request
// (§4.3 Naming, §6 User command syntax).
type CommandInvocation struct {
	Plugin  string
	Command string
	Args    []string
}

// taskSignal is what a running Task's goroutine sends back to whichever
// goroutine resumed it: either a parked HostRequest, or a terminal outcome.
type taskSignal struct {
	request *HostRequest // non-nil: the coroutine yielded and is now parked
	done    bool         // true: the coroutine returned or raised
	result  any          // the plugin-table callback's return value, if done
	err     error        // non-nil if the coroutine raised (done == true)
}

// Task is one coroutine activation on behalf of a plugin (§3 Task,
// Glossary). Per Design Note §9 and SPEC_FULL §4.1, it is modeled as a real
// goroutine synchronized with the Dispatcher over two unbuffered channels:
// resumeCh carries the Dispatcher's reply into the parked native call,
// yieldCh carries the next yielded request (or terminal outcome) back out.
// Because the Dispatcher's scheduling loop never resumes a Task and moves
// on before receiving from yieldCh, at most one Task's goroutine is ever
// unblocked at a time — the "single script thread" the spec requires.
type Task struct {
	ID      string
	Plugin  *Plugin
	Origin  TaskOrigin
	Event   *Event
	Command *CommandInvocation
	// Lifecycle is "load" or "unload" when Origin == OriginLifecycle.
	Lifecycle string

	StartedAt time.Time

	resumeCh chan HostReply
	yieldCh  chan taskSignal

	cancelled bool // set by the Dispatcher; observed by the next deferred handler (setDeferredCancel)
	critical  bool // true for on_unload: exempt from cancellation (§4.4)

	pending *HostRequest // the Task's single outstanding HostRequest, if any

	// deferredCancel cancels the context a parked deferred handler is
	// waiting on, set by that handler and invoked by the Dispatcher when
	// the owning plugin unloads (§4.4 Cancellation).
	deferredMu     sync.Mutex
	deferredCancel context.CancelFunc
}

// setDeferredCancel records cancel as the way to abort the Task's current
// deferred wait, and reports whether the Task was already cancelled before
// cancel could be registered. A deferred handler must check this return
// value and bail out with StatusCancelled rather than park: without it, a
// Task unloaded between two deferred calls (cancelDeferred finding no
// deferredCancel to invoke yet) would sail through its next suspension
// point — sys.sleep_ms, serial.recv, Shell:run, and so on — as if nothing
// had happened. Call with nil once the wait completes.
func (t *Task) setDeferredCancel(cancel context.CancelFunc) bool {
	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()
	if t.cancelled {
		return true
	}
	t.deferredCancel = cancel
	return false
}

// cancelDeferred invokes the Task's current deferred-wait cancel function,
// if any is set, marking the Task cancelled.
func (t *Task) cancelDeferred() {
	t.deferredMu.Lock()
	cancel := t.deferredCancel
	t.cancelled = true
	t.deferredMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func newTask(p *Plugin, origin TaskOrigin) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Plugin:   p,
		Origin:   origin,
		resumeCh: make(chan HostReply),
		yieldCh:  make(chan taskSignal),
	}
}

// yield is called from inside the Task's goroutine (by the __host_call
// native binding) to hand a HostRequest to the Dispatcher and block for its
// reply. It is the Go-level equivalent of the scripting language's
// coroutine yield.
func (t *Task) yield(req HostRequest) HostReply {
	t.pending = &req
	t.yieldCh <- taskSignal{request: &req}
	reply := <-t.resumeCh
	t.pending = nil
	return reply
}

// finish is called once, from inside the Task's goroutine, after the
// plugin-table callback returns or panics; it reports the terminal outcome
// to whichever goroutine is currently receiving from yieldCh.
func (t *Task) finish(result any, err error) {
	t.yieldCh <- taskSignal{done: true, result: result, err: err}
}

// run starts the Task's backing goroutine. fn is invoked with args inside
// the plugin's script runtime; any panic from the embedded engine (a raised
// script error, or an internal goja panic) is recovered and reported as the
// Task's terminal error, matching the "pcall-style error capture" required
// of the Script Engine (§4.1).
func (t *Task) run(fn func(args ...any) (any, error), args []any) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.finish(nil, fmt.Errorf("panic in task: %v", r))
			}
		}()
		result, err := fn(args...)
		t.finish(result, err)
	}()
}

// awaitSignal blocks until the Task's goroutine either parks on a new
// HostRequest or finishes. Called by the Dispatcher exactly once per
// resume.
func (t *Task) awaitSignal() taskSignal {
	return <-t.yieldCh
}

// resume sends a reply into the Task's parked native call, unblocking its
// goroutine, then waits for the next signal.
func (t *Task) resume(reply HostReply) taskSignal {
	t.resumeCh <- reply
	return t.awaitSignal()
}
