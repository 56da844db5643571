package plugin

import (
	"context"
	"time"
)

// handler is one entry of the host API dispatch table (§4.2, §6): either an
// immediate handler, computed synchronously on the Dispatcher's own
// goroutine, or a deferred handler, which parks the Task and replies later
// through Dispatcher.complete.
type handler struct {
	immediate func(d *Dispatcher, t *Task, args []any) HostReply
	deferred  func(d *Dispatcher, t *Task, args []any)
}

// handlers is the closed tag→handler table a Task's yielded HostRequest is
// looked up in. An unrecognized tag yields StatusInvalidArgument
// (dispatchRequest's fallback), which should never actually happen since
// scopeStdlibSource and shellStdlibSource only ever emit tags listed here.
var handlers = map[string]handler{
	":log.debug":   logHandler(LogDebug),
	":log.info":    logHandler(LogInfo),
	":log.success": logHandler(LogSuccess),
	":log.warning": logHandler(LogWarning),
	":log.error":   logHandler(LogError),

	":serial.info":       {immediate: handleSerialInfo},
	":serial.send":       {immediate: handleSerialSend},
	":serial.connect":    {immediate: handleSerialConnect},
	":serial.disconnect": {immediate: handleSerialDisconnect},
	":serial.recv":       {deferred: handleSerialRecv},

	":rtt.info": {immediate: handleRTTInfo},
	":rtt.send": {immediate: handleRTTSend},
	":rtt.recv": {deferred: handleRTTRecv},
	":rtt.read": {deferred: handleRTTRead},

	":sys.sleep": {deferred: handleSleep},

	":re.match":   {immediate: handleReMatch},
	":re.matches": {immediate: handleReMatches},
	":re.literal": {immediate: handleReLiteral},

	":Shell.new":    {immediate: handleShellNew},
	":Shell:run":    {deferred: handleShellRun},
	":Shell:exist":  {deferred: handleShellExist},
}

// argBytes normalizes a yielded byte-array argument: exportGojaValue already
// turns a Uint8Array into []byte, but a plain JS array of numbers exports
// as []any and still needs toByteSlice's wraparound conversion.
func argBytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case []byte:
		return val, true
	case []any:
		return toByteSlice(val)
	default:
		return nil, false
	}
}

func logHandler(level LogLevel) handler {
	return handler{immediate: func(d *Dispatcher, t *Task, args []any) HostReply {
		msg, _ := args[0].(string)
		d.log.Line(t.Plugin.Name, level, msg)
		return okReply()
	}}
}

func handleSerialInfo(d *Dispatcher, t *Task, args []any) HostReply {
	if d.transport.Kind() != TransportSerial {
		return okReply("", 0)
	}
	target, param := d.transport.Info()
	return okReply(target, param)
}

func handleSerialSend(d *Dispatcher, t *Task, args []any) HostReply {
	if d.transport.Kind() != TransportSerial {
		return errReply(StatusNotActive)
	}
	data, ok := argBytes(args[0])
	if !ok {
		return errReply(StatusInvalidArgument)
	}
	if err := d.transport.Send(context.Background(), data); err != nil {
		return errReply(StatusIOError)
	}
	d.PostEvent(newEvent(EventSerialSend, data))
	return okReply()
}

func handleSerialConnect(d *Dispatcher, t *Task, args []any) HostReply {
	port, _ := args[0].(string)
	baud, _ := toInt(args[1])
	if err := d.transport.Connect(context.Background(), port, baud); err != nil {
		return errReply(StatusIOError)
	}
	return okReply()
}

func handleSerialDisconnect(d *Dispatcher, t *Task, args []any) HostReply {
	if err := d.transport.Disconnect(context.Background()); err != nil {
		return errReply(StatusIOError)
	}
	return okReply()
}

// handleSerialRecv parks the Task until the next serial_recv event arrives
// or the requested timeout elapses (§4.4 deferred handlers, §6 serial.recv).
func handleSerialRecv(d *Dispatcher, t *Task, args []any) {
	timeoutMs, _ := toInt(args[0])
	d.awaitNextEvent(t, EventSerialRecv, timeoutMs, func(ev *Event) HostReply {
		data, _ := ev.Args[0].([]byte)
		return okReply(data)
	})
}

func handleRTTInfo(d *Dispatcher, t *Task, args []any) HostReply {
	if d.transport.Kind() != TransportRTT {
		return okReply("", 0)
	}
	target, param := d.transport.Info()
	return okReply(target, param)
}

func handleRTTSend(d *Dispatcher, t *Task, args []any) HostReply {
	if d.transport.Kind() != TransportRTT {
		return errReply(StatusNotActive)
	}
	data, ok := argBytes(args[0])
	if !ok {
		return errReply(StatusInvalidArgument)
	}
	if err := d.transport.Send(context.Background(), data); err != nil {
		return errReply(StatusIOError)
	}
	d.PostEvent(newEvent(EventRTTSend, data))
	return okReply()
}

func handleRTTRecv(d *Dispatcher, t *Task, args []any) {
	timeoutMs, _ := toInt(args[0])
	d.awaitNextEvent(t, EventRTTRecv, timeoutMs, func(ev *Event) HostReply {
		data, _ := ev.Args[0].([]byte)
		return okReply(data)
	})
}

// handleRTTRead performs a one-shot RTT control-block read (§6 rtt.read);
// unlike rtt.recv it does not wait on the event stream, but the transport
// call can still block on I/O so it still runs off the Dispatcher's
// goroutine.
func handleRTTRead(d *Dispatcher, t *Task, args []any) {
	address, _ := toInt(args[0])
	size, _ := toInt(args[1])
	ctx, cancel := context.WithCancel(d.groupCtx)
	if t.setDeferredCancel(cancel) {
		cancel()
		d.complete(t, errReply(StatusCancelled))
		return
	}
	go func() {
		defer func() { t.setDeferredCancel(nil); cancel() }()
		if d.transport.Kind() != TransportRTT {
			d.complete(t, errReply(StatusNotActive))
			return
		}
		data, err := d.transport.ReadRTT(ctx, uint32(address), size)
		if err != nil {
			d.complete(t, errReply(StatusIOError))
			return
		}
		d.complete(t, okReply(data))
	}()
}

// handleSleep parks the Task for n milliseconds, honoring cancellation
// (§5 Cancellation & timeouts).
func handleSleep(d *Dispatcher, t *Task, args []any) {
	n, _ := toInt(args[0])
	ctx, cancel := context.WithCancel(d.groupCtx)
	if t.setDeferredCancel(cancel) {
		cancel()
		d.complete(t, errReply(StatusCancelled))
		return
	}
	timer := time.NewTimer(time.Duration(n) * time.Millisecond)
	go func() {
		defer func() { t.setDeferredCancel(nil); cancel() }()
		select {
		case <-timer.C:
			d.complete(t, okReply())
		case <-ctx.Done():
			timer.Stop()
			d.complete(t, errReply(StatusCancelled))
		}
	}()
}

func handleReMatch(d *Dispatcher, t *Task, args []any) HostReply {
	s, _ := args[0].(string)
	src, _ := args[1].(string)
	p, err := t.Plugin.broker.pattern(src)
	if err != nil {
		return errReply(StatusInvalidArgument)
	}
	ok, err := p.match(s)
	if err != nil {
		return errReply(StatusIOError)
	}
	return okReply(ok)
}

// handleReMatches evaluates candidate patterns in order and returns the
// first source string that matches s, or nil (§6 re.matches).
func handleReMatches(d *Dispatcher, t *Task, args []any) HostReply {
	if len(args) == 0 {
		return errReply(StatusInvalidArgument)
	}
	s, _ := args[0].(string)
	for _, a := range args[1:] {
		src, ok := a.(string)
		if !ok {
			continue
		}
		p, err := t.Plugin.broker.pattern(src)
		if err != nil {
			return errReply(StatusInvalidArgument)
		}
		ok2, err := p.match(s)
		if err != nil {
			return errReply(StatusIOError)
		}
		if ok2 {
			return okReply(src)
		}
	}
	return okReply(nil)
}

func handleReLiteral(d *Dispatcher, t *Task, args []any) HostReply {
	s, _ := args[0].(string)
	return okReply(escapeLiteral(s))
}

func handleShellNew(d *Dispatcher, t *Task, args []any) HostReply {
	id, err := t.Plugin.broker.newShell()
	if err != nil {
		return errReply(StatusIOError)
	}
	return okReply(id)
}

func handleShellRun(d *Dispatcher, t *Task, args []any) {
	id, _ := toInt(args[0])
	cmdLine, _ := args[1].(string)
	timeoutMs, _ := toInt(args[2])
	if timeoutMs <= 0 {
		timeoutMs = int(d.defaultTimeout / time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(d.groupCtx, time.Duration(timeoutMs)*time.Millisecond)
	if t.setDeferredCancel(cancel) {
		cancel()
		d.complete(t, errReply(StatusCancelled))
		return
	}
	go func() {
		defer func() { t.setDeferredCancel(nil); cancel() }()
		stdout, stderr, status := t.Plugin.broker.runShell(ctx, id, cmdLine)
		d.complete(t, HostReply{Status: status, Results: []any{stdout, stderr}})
	}()
}

func handleShellExist(d *Dispatcher, t *Task, args []any) {
	_, _ = toInt(args[0]) // shell id is accepted for symmetry but the probe is session-independent
	prog, _ := args[1].(string)
	ctx, cancel := context.WithTimeout(d.groupCtx, d.defaultTimeout)
	if t.setDeferredCancel(cancel) {
		cancel()
		d.complete(t, errReply(StatusCancelled))
		return
	}
	go func() {
		defer func() { t.setDeferredCancel(nil); cancel() }()
		ok, err := t.Plugin.broker.existShell(ctx, prog)
		switch ctx.Err() {
		case context.Canceled:
			d.complete(t, errReply(StatusCancelled))
			return
		case context.DeadlineExceeded:
			d.complete(t, errReply(StatusTimeout))
			return
		}
		if err != nil {
			d.complete(t, errReply(StatusIOError))
			return
		}
		d.complete(t, okReply(ok))
	}()
}

// awaitNextEvent parks t until an event of kind arrives (delivered by the
// Dispatcher subscribing a one-shot waiter) or timeoutMs elapses, whichever
// is first. A timeoutMs of 0 means wait forever (no deadline), matching
// §6's recv semantics.
func (d *Dispatcher) awaitNextEvent(t *Task, kind EventKind, timeoutMs int, onEvent func(*Event) HostReply) {
	waiter := make(chan *Event, 1)
	d.subscribeOnce(t.Plugin, kind, waiter)

	ctx, cancel := context.WithCancel(d.groupCtx)
	if t.setDeferredCancel(cancel) {
		cancel()
		d.unsubscribe(t.Plugin, kind, waiter)
		d.complete(t, errReply(StatusCancelled))
		return
	}
	go func() {
		defer func() { t.setDeferredCancel(nil); cancel() }()
		var deadline <-chan time.Time
		if timeoutMs > 0 {
			timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case ev := <-waiter:
			d.complete(t, onEvent(ev))
		case <-deadline:
			d.unsubscribe(t.Plugin, kind, waiter)
			d.complete(t, errReply(StatusTimeout))
		case <-ctx.Done():
			d.unsubscribe(t.Plugin, kind, waiter)
			d.complete(t, errReply(StatusCancelled))
		}
	}()
}
