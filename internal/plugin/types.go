// Package plugin implements the Monitor's plugin runtime: script loading,
// host API dispatch, event fan-out, coroutine scheduling, and the Shell and
// Pattern resources scripts hold through the host.
package plugin

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateUnloading State = "unloading"
	StateDead      State = "dead"
)

// EventKind enumerates the recognized event callback names a plugin may
// export; the lifecycle names on_load/on_unload are not among them. A
// plugin entry named "on_" + one of these is an EventCallback; any other "on_"
// name is an unknown-callback warning, not an error (Design Note: dynamic
// dispatch on plugin tables).
type EventKind string

const (
	EventSerialSend       EventKind = "serial_send"
	EventSerialRecv       EventKind = "serial_recv"
	EventSerialConnect    EventKind = "serial_connect"
	EventSerialDisconnect EventKind = "serial_disconnect"
	EventRTTSend          EventKind = "rtt_send"
	EventRTTRecv          EventKind = "rtt_recv"
	EventBLEConnect       EventKind = "ble_connect"
	EventBLEDisconnect    EventKind = "ble_disconnect"
	EventBLERead          EventKind = "ble_read"
	EventBLEWrite         EventKind = "ble_write"
	EventBLEWriteNoWait   EventKind = "ble_write_nowait"
	EventBLENotify        EventKind = "ble_notify"
	EventBLEIndicate      EventKind = "ble_indicate"
	EventMTUChange        EventKind = "mtu_change"
)

// knownEventKinds is the closed set of recognized "on_<kind>" callback
// names, used by classify (registry.go) to distinguish an EventCallback from an unknown
// "on_"-prefixed export (logged as a warning) and from a UserCommand.
var knownEventKinds = map[EventKind]struct{}{
	EventSerialSend: {}, EventSerialRecv: {}, EventSerialConnect: {}, EventSerialDisconnect: {},
	EventRTTSend: {}, EventRTTRecv: {}, EventBLEConnect: {}, EventBLEDisconnect: {},
	EventBLERead: {}, EventBLEWrite: {}, EventBLEWriteNoWait: {}, EventBLENotify: {},
	EventBLEIndicate: {}, EventMTUChange: {},
}

// EntryKind classifies one exported table entry of a loaded plugin.
type EntryKind int

const (
	EntryLifecycleLoad EntryKind = iota
	EntryLifecycleUnload
	EntryEventCallback
	EntryUserCommand
)

// PluginEntry is one classified, name-addressable export of a plugin's
// module table (§3 PluginEntry).
type PluginEntry struct {
	Name      string
	Kind      EntryKind
	EventKind EventKind // valid only when Kind == EntryEventCallback
}

// Plugin is a loaded user script and its associated runtime state (§3).
type Plugin struct {
	// Path is the normalized, absolute source file path; it is the
	// Registry's key and the plugin's identity.
	Path string
	// Name is the display name: the path's basename without extension.
	Name string
	// Meta is the optional <plugin>.meta.yaml sidecar's contents, the zero
	// value if none was present.
	Meta PluginMeta

	mu      sync.RWMutex
	state   State
	entries map[string]PluginEntry

	// runtime holds the engine-level compiled script and its callables;
	// defined in engine.go to keep goja types out of this file.
	runtime *scriptRuntime

	broker *pluginBroker // this plugin's Shell sessions + pattern cache

	tasksMu sync.Mutex
	queue   []*Task // FIFO queue of not-yet-started or waiting Tasks
	running *Task   // the single Task currently resumed, if any
}

// State returns the plugin's current lifecycle state.
func (p *Plugin) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Plugin) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Entries returns a copy of this plugin's classified exports, for
// inspection (e.g. by a `!<plugin> help` command or a listing UI).
func (p *Plugin) Entries() map[string]PluginEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]PluginEntry, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}

// HasEventCallback reports whether the plugin exports a callback for kind.
func (p *Plugin) HasEventCallback(kind EventKind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.Kind == EntryEventCallback && e.EventKind == kind {
			return true
		}
	}
	return false
}

// Event is a tagged occurrence carrying its kind and payload, delivered to
// every interested plugin as a new Task (§3 Event).
type Event struct {
	ID       string
	Kind     EventKind
	Seq      uint64
	Arrived  time.Time
	Args     []any // positional args passed to the matching callback
}

// newEvent stamps a fresh Event with a correlation id; Seq is assigned by
// Dispatcher.PostEvent when the event is posted.
func newEvent(kind EventKind, args ...any) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Arrived: time.Now(),
		Args:    args,
	}
}

// HostRequest is the tagged tuple a Task's coroutine yields to the host
// (§3, §6).
type HostRequest struct {
	Tag  string
	Args []any
}

// HostReply is the host's answer to a HostRequest: a status sentinel
// followed by typed result fields (§3, §6).
type HostReply struct {
	Status  Status
	Results []any
}

func okReply(results ...any) HostReply {
	return HostReply{Status: StatusOK, Results: results}
}

func errReply(status Status, results ...any) HostReply {
	return HostReply{Status: status, Results: results}
}
