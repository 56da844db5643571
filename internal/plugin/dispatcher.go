package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dispatcher is the Event Dispatcher & Coroutine Scheduler (§4.4): a
// single-threaded event loop that drains a bounded event queue, fans events
// out to interested plugins as Tasks, and resumes Tasks until completion,
// interpreting each yielded HostRequest along the way.
type Dispatcher struct {
	registry  *Registry
	transport Transport
	log       Log
	metrics   *Metrics

	queue   *eventQueue
	readyCh chan readyItem
	wake    chan struct{}

	defaultTimeout time.Duration

	mu       sync.Mutex
	rr       int
	lastKind TransportKind
	waiters  map[*Plugin]map[EventKind][]chan *Event

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// readyItem is how a deferred handler's eventual completion re-enters the
// single-threaded loop.
type readyItem struct {
	task  *Task
	reply HostReply
}

// DispatcherConfig carries the ambient, viper-sourced tunables (SPEC_FULL
// AMBIENT STACK: configuration).
type DispatcherConfig struct {
	QueueCapacity  int
	DefaultTimeout time.Duration
}

// NewDispatcher builds a Dispatcher over registry and transport. Call Run
// to start its loop and the ancillary producer goroutines it supervises.
func NewDispatcher(registry *Registry, transport Transport, log Log, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	queue := newEventQueue(cfg.QueueCapacity)
	metrics := newMetrics()
	metrics.bindQueueDepth(queue)
	return &Dispatcher{
		registry:       registry,
		transport:      transport,
		log:            log,
		metrics:        metrics,
		queue:          queue,
		readyCh:        make(chan readyItem, 64),
		wake:           make(chan struct{}, 1),
		defaultTimeout: cfg.DefaultTimeout,
		lastKind:       TransportNone,
		waiters:        make(map[*Plugin]map[EventKind][]chan *Event),
	}
}

// Run starts the Dispatcher's loop and the ancillary goroutines (transport
// reader poll, timer wheel is implicit in the per-call time.Timer each
// deferred handler starts, subprocess
// reaping happens inline in shellSession) under an errgroup.Group so a
// failure in one tears down the others (§4.4, §5 Threads), grounded on the
// SPEC_FULL DOMAIN STACK choice of golang.org/x/sync/errgroup for exactly
// this supervision role.
func (d *Dispatcher) Run(ctx context.Context) {
	d.groupCtx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(d.groupCtx)
	d.group = g
	d.groupCtx = gctx

	g.Go(func() error {
		d.loop(gctx)
		return nil
	})
	g.Go(func() error {
		d.pollTransportTransitions(gctx)
		return nil
	})
}

// Metrics returns the Dispatcher's prometheus instruments, for a caller
// that wants to expose them on a /metrics endpoint.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Stop cancels the Dispatcher's loop and ancillary goroutines and waits for
// them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
}

// pollTransportTransitions watches Transport.Kind() and fires
// on_*_connect/on_*_disconnect across the registered plugins whenever it
// changes (§4.4 Event fan-out rules). A real driver would push these
// transitions directly; here the Dispatcher polls because Transport is
// defined as a passive interface with no transition callback of its own.
func (d *Dispatcher) pollTransportTransitions(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kind := d.transport.Kind()
			d.mu.Lock()
			prev := d.lastKind
			d.lastKind = kind
			d.mu.Unlock()
			if kind == prev {
				continue
			}
			target, param := d.transport.Info()
			if prev != TransportNone {
				d.fireTransition(prev, false, target, param)
			}
			if kind != TransportNone {
				d.fireTransition(kind, true, target, param)
			}
		}
	}
}

func (d *Dispatcher) fireTransition(kind TransportKind, connect bool, target string, param int) {
	var ek EventKind
	switch {
	case kind == TransportSerial && connect:
		ek = EventSerialConnect
	case kind == TransportSerial && !connect:
		ek = EventSerialDisconnect
	case kind == TransportRTT && connect:
		return // no on_rtt_connect in the surface (§6); RTT has no connect/disconnect callback pair
	default:
		return
	}
	d.PostEvent(newEvent(ek, target, param))
}

// PostEvent enqueues an externally-produced Event (§4.4: "External
// producers ... post events into a bounded MPSC queue").
func (d *Dispatcher) PostEvent(ev *Event) {
	ev.Seq = nextSeq()
	d.queue.offer(dispatchItem{event: ev}, d.log)
}

// PostCommand enqueues a `!<plugin> <command> <args...>` invocation (§4.3,
// §6 User command syntax).
func (d *Dispatcher) PostCommand(inv *CommandInvocation) {
	d.queue.offer(dispatchItem{command: inv}, d.log)
}

// loop is the single-threaded event loop (§4.4). It prioritizes starting
// never-resumed Tasks so freshly queued work gets going promptly, and
// otherwise waits for either a new queue item or a parked Task's reply to
// become ready.
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		if t := d.nextRunnable(); t != nil {
			d.start(t)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue.ch:
			d.handleItem(item)
		case ri := <-d.readyCh:
			d.resume(ri.task, ri.reply)
		case <-d.wake:
			// A Task was enqueued directly (LoadPlugin/UnloadPlugin, issued
			// from outside the loop goroutine); loop around to nextRunnable.
		}
	}
}

// nextRunnable round-robins across registered plugins looking for one whose
// running slot is free and whose queue has a Task waiting to start.
func (d *Dispatcher) nextRunnable() *Task {
	names := d.registry.pluginNames()
	n := len(names)
	if n == 0 {
		return nil
	}
	d.mu.Lock()
	start := d.rr
	d.mu.Unlock()
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		pl, ok := d.registry.get(names[idx])
		if !ok {
			continue
		}
		pl.tasksMu.Lock()
		if pl.running == nil && len(pl.queue) > 0 {
			t := pl.queue[0]
			pl.queue = pl.queue[1:]
			pl.running = t
			pl.tasksMu.Unlock()
			d.mu.Lock()
			d.rr = (idx + 1) % n
			d.mu.Unlock()
			return t
		}
		pl.tasksMu.Unlock()
	}
	return nil
}

// handleItem classifies a dequeued item and enqueues a Task per interested
// plugin (events) or the one named plugin (commands).
func (d *Dispatcher) handleItem(item dispatchItem) {
	if item.event != nil {
		d.fanOut(item.event)
		return
	}
	d.enqueueCommand(item.command)
}

// fanOut determines the set of interested plugins for ev, delivers it to any
// Task parked in serial.recv/rtt.recv via subscribeOnce, and additionally
// enqueues an on_<kind> callback Task for every plugin that exports one
// (§4.4: recv() and the matching on_ callback both observe the same event).
func (d *Dispatcher) fanOut(ev *Event) {
	if !d.transportAllows(ev.Kind) {
		return
	}
	for _, name := range d.registry.pluginNames() {
		pl, ok := d.registry.get(name)
		if !ok || pl.State() != StateReady {
			continue
		}
		d.notifyWaiters(pl, ev)
		if !pl.HasEventCallback(ev.Kind) {
			continue
		}
		t := newTask(pl, OriginEvent)
		t.Event = ev
		d.enqueue(pl, t)
	}
}

// subscribeOnce registers a one-shot waiter for the next event of kind
// delivered to pl, used by the deferred serial.recv/rtt.recv handlers.
func (d *Dispatcher) subscribeOnce(pl *Plugin, kind EventKind, ch chan *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byKind, ok := d.waiters[pl]
	if !ok {
		byKind = make(map[EventKind][]chan *Event)
		d.waiters[pl] = byKind
	}
	byKind[kind] = append(byKind[kind], ch)
}

// unsubscribe removes ch from pl's waiter list for kind, called when a
// serial.recv/rtt.recv call times out or is cancelled before an event
// arrived.
func (d *Dispatcher) unsubscribe(pl *Plugin, kind EventKind, ch chan *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byKind, ok := d.waiters[pl]
	if !ok {
		return
	}
	list := byKind[kind]
	for i, c := range list {
		if c == ch {
			byKind[kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// notifyWaiters delivers ev to every waiter registered for pl/ev.Kind and
// clears them (each waiter is one-shot).
func (d *Dispatcher) notifyWaiters(pl *Plugin, ev *Event) {
	d.mu.Lock()
	byKind, ok := d.waiters[pl]
	if !ok {
		d.mu.Unlock()
		return
	}
	list := byKind[ev.Kind]
	delete(byKind, ev.Kind)
	d.mu.Unlock()
	for _, ch := range list {
		ch <- ev
	}
}

// transportAllows implements transport-kind routing (§4.4): on_serial_send
// and on_serial_recv only fire while active=serial, on_rtt_* only while
// active=rtt; on_serial_connect/on_serial_disconnect always pass, since
// they mark transitions into and out of active=serial;
// on_ble_*/on_mtu_change always pass through since BLE coexists in the
// surface without a mutually-exclusive "active" state of its own in §3.
func (d *Dispatcher) transportAllows(kind EventKind) bool {
	active := d.transport.Kind()
	switch kind {
	case EventSerialSend, EventSerialRecv, EventSerialConnect, EventSerialDisconnect:
		return active == TransportSerial || kind == EventSerialConnect || kind == EventSerialDisconnect
	case EventRTTSend, EventRTTRecv:
		return active == TransportRTT
	default:
		return true
	}
}

func (d *Dispatcher) enqueueCommand(inv *CommandInvocation) {
	pl, ok := d.registry.get(d.registry.resolveByName(inv.Plugin))
	if !ok || pl.State() != StateReady {
		if d.log != nil {
			d.log.Line("dispatcher", LogWarning, "command for unknown or unready plugin: "+inv.Plugin)
		}
		return
	}
	if _, ok := pl.Entries()[inv.Command]; !ok {
		if d.log != nil {
			d.log.Line(pl.Name, LogWarning, "no such command: "+inv.Command)
		}
		return
	}
	t := newTask(pl, OriginCommand)
	t.Command = inv
	d.enqueue(pl, t)
}

func (d *Dispatcher) enqueue(pl *Plugin, t *Task) {
	pl.tasksMu.Lock()
	pl.queue = append(pl.queue, t)
	pl.tasksMu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// start begins a never-resumed Task: resolves which module function to
// call and which args to pass, sets it as the plugin runtime's current
// task, and runs it.
func (d *Dispatcher) start(t *Task) {
	t.StartedAt = time.Now()
	fnName, args := t.invocation()
	pl := t.Plugin

	// An absent on_load/on_unload completes at once as if it returned true:
	// the plugin still becomes Ready (load) or is released and evicted
	// (unload).
	if t.Origin == OriginLifecycle {
		if _, ok := pl.runtime.callable(fnName); !ok {
			d.finish(t, true, nil)
			return
		}
	}

	pl.runtime.currentTask = t
	t.run(func(callArgs ...any) (any, error) {
		return pl.runtime.invoke(fnName, callArgs...)
	}, args)

	d.metrics.tasksScheduled.Inc()
	sig := t.awaitSignal()
	d.handleSignal(t, sig)
}

// invocation resolves which plugin-table function a Task calls and with
// what arguments, from its Origin (event vs command).
func (t *Task) invocation() (string, []any) {
	switch t.Origin {
	case OriginEvent:
		return "on_" + string(t.Event.Kind), t.Event.Args
	case OriginCommand:
		args := make([]any, len(t.Command.Args))
		for i, a := range t.Command.Args {
			args[i] = a
		}
		return t.Command.Command, args
	case OriginLifecycle:
		return "on_" + t.Lifecycle, nil
	default:
		return "", nil
	}
}

// resume re-enters an already-started Task's goroutine with reply.
func (d *Dispatcher) resume(t *Task, reply HostReply) {
	t.Plugin.runtime.currentTask = t
	sig := t.resume(reply)
	d.handleSignal(t, sig)
}

// handleSignal implements the three resume-protocol outcomes of §4.4.
func (d *Dispatcher) handleSignal(t *Task, sig taskSignal) {
	if sig.done {
		d.finish(t, sig.result, sig.err)
		return
	}
	d.dispatchRequest(t, *sig.request)
}

// finish implements outcome 1 (return) and outcome 3 (raise) of the resume
// protocol, and frees the plugin's running slot so the next queued Task can
// start.
func (d *Dispatcher) finish(t *Task, result any, err error) {
	pl := t.Plugin
	isLoad := t.Origin == OriginLifecycle && t.Lifecycle == "load"
	isUnload := t.Origin == OriginLifecycle && t.Lifecycle == "unload"

	d.metrics.taskDuration.WithLabelValues(pl.Name).Observe(time.Since(t.StartedAt).Seconds())

	if err != nil {
		level := LogError
		if t.cancelled {
			level = LogDebug
		}
		d.log.Line(pl.Name, level, stripScriptLocation(err).Error())
		d.metrics.tasksCompleted.WithLabelValues("error").Inc()
		if isLoad {
			pl.setState(StateFailed)
		}
	} else {
		d.metrics.tasksCompleted.WithLabelValues("ok").Inc()
		if isLoad {
			if truthy(result) {
				pl.setState(StateReady)
			} else {
				pl.setState(StateFailed)
			}
		}
	}
	if isUnload {
		pl.broker.release()
		pl.setState(StateDead)
		d.registry.evict(pl.Path)
	}

	pl.tasksMu.Lock()
	pl.running = nil
	pl.tasksMu.Unlock()
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

// dispatchRequest implements outcome 2: look up the handler for req.Tag and
// either reply synchronously (immediate) or park the Task (deferred).
func (d *Dispatcher) dispatchRequest(t *Task, req HostRequest) {
	h, ok := handlers[req.Tag]
	if !ok {
		d.resume(t, errReply(StatusInvalidArgument))
		return
	}
	if h.immediate != nil {
		reply := h.immediate(d, t, req.Args)
		d.resume(t, reply)
		return
	}
	h.deferred(d, t, req.Args)
}

// complete is how a deferred handler's goroutine reports its eventual
// reply back into the single-threaded loop.
func (d *Dispatcher) complete(t *Task, reply HostReply) {
	select {
	case d.readyCh <- readyItem{task: t, reply: reply}:
	case <-d.groupCtx.Done():
	}
}

// enqueueLifecycle queues pl's on_load or on_unload invocation (kind is
// "load" or "unload"). on_unload is critical: it runs to completion even
// though the plugin is already Unloading (§4.4 Cancellation: "on_unload
// itself ... is exempt").
func (d *Dispatcher) enqueueLifecycle(pl *Plugin, kind string) {
	t := newTask(pl, OriginLifecycle)
	t.Lifecycle = kind
	t.critical = kind == "unload"
	d.enqueue(pl, t)
}

// LoadPlugin parses and classifies the script at path, registers it in the
// Loading state, and queues its on_load invocation (§4.3 load).
func (d *Dispatcher) LoadPlugin(path string) (*Plugin, error) {
	pl, err := d.registry.prepare(path)
	if err != nil {
		return nil, err
	}
	d.enqueueLifecycle(pl, "load")
	return pl, nil
}

// UnloadPlugin transitions the named plugin to Unloading, drops any
// never-started queued Tasks, cancels its currently parked deferred Task
// (if any), and queues its on_unload invocation (§4.3 unload, §4.4
// Cancellation).
func (d *Dispatcher) UnloadPlugin(path string) error {
	norm, err := normalizedPath(path)
	if err != nil {
		return err
	}
	pl, ok := d.registry.get(norm)
	if !ok {
		return fmt.Errorf("no such plugin: %s", path)
	}
	pl.setState(StateUnloading)

	pl.tasksMu.Lock()
	pl.queue = nil
	running := pl.running
	pl.tasksMu.Unlock()

	if running != nil && !running.critical {
		running.cancelDeferred()
	}

	d.enqueueLifecycle(pl, "unload")
	return nil
}
