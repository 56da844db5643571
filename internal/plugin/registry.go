package plugin

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the Plugin Loader & Registry (§3, §4.3): the set of currently
// loaded plugins, keyed by normalized path, plus the classification step
// that turns a freshly evaluated script's module table into PluginEntry
// records. Grounded on the teacher's internal/plugin/manager.go registry
// shape (a mutex-guarded map plus a stable name list) with the gRPC/WASM
// plugin-process bookkeeping stripped out, since every plugin here runs
// in-process inside its own goja.Runtime rather than as a subprocess.
type Registry struct {
	log Log

	mu     sync.RWMutex
	byPath map[string]*Plugin
	order  []string // insertion order, for deterministic round-robin/listing
}

// NewRegistry returns an empty Registry.
func NewRegistry(log Log) *Registry {
	return &Registry{log: log, byPath: make(map[string]*Plugin)}
}

// prepare parses and classifies the script at path and registers it in the
// Loading state. It does not run on_load — that is the Dispatcher's job
// (LoadPlugin), keeping script evaluation and lifecycle scheduling
// separate.
func (r *Registry) prepare(path string) (*Plugin, error) {
	norm, err := normalizedPath(path)
	if err != nil {
		return nil, fmt.Errorf("normalize path: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.byPath[norm]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("plugin already loaded: %s", norm)
	}
	r.mu.Unlock()

	sr := newScriptRuntime()
	if _, err := sr.load(norm); err != nil {
		return nil, newHostError(StatusLoadError, "%v", err)
	}

	name := pluginDisplayName(norm)
	entries := classify(sr, r.log, name)

	meta, err := loadPluginMeta(norm)
	if err != nil {
		return nil, err
	}

	pl := &Plugin{
		Path:    norm,
		Name:    name,
		Meta:    meta,
		state:   StateLoading,
		entries: entries,
		runtime: sr,
		broker:  newPluginBroker(name),
	}

	r.mu.Lock()
	r.byPath[norm] = pl
	r.order = append(r.order, norm)
	r.mu.Unlock()

	return pl, nil
}

// classify walks a loaded module's table keys and sorts each into a
// PluginEntry (§3 PluginEntry, §4.3 load): the two lifecycle names,
// recognized "on_<event>" callbacks, and everything else as a user
// command. An "on_"-prefixed key that isn't a recognized event kind is
// logged as a warning and otherwise ignored, matching the dynamic,
// duck-typed dispatch a script table affords.
func classify(sr *scriptRuntime, log Log, pluginName string) map[string]PluginEntry {
	entries := make(map[string]PluginEntry)
	for _, key := range sr.moduleKeys() {
		if _, ok := sr.callable(key); !ok {
			continue // non-function export, e.g. plugin metadata; not an entry
		}
		switch {
		case key == "on_load":
			entries[key] = PluginEntry{Name: key, Kind: EntryLifecycleLoad}
		case key == "on_unload":
			entries[key] = PluginEntry{Name: key, Kind: EntryLifecycleUnload}
		case strings.HasPrefix(key, "on_"):
			kind := EventKind(strings.TrimPrefix(key, "on_"))
			if _, known := knownEventKinds[kind]; known {
				entries[key] = PluginEntry{Name: key, Kind: EntryEventCallback, EventKind: kind}
			} else if log != nil {
				log.Line(pluginName, LogWarning, "unrecognized event callback: "+key)
			}
		default:
			entries[key] = PluginEntry{Name: key, Kind: EntryUserCommand}
		}
	}
	return entries
}

func (r *Registry) get(path string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pl, ok := r.byPath[path]
	return pl, ok
}

// pluginNames returns every registered plugin's normalized path, in
// insertion order, used by the Dispatcher's round-robin scheduler.
func (r *Registry) pluginNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// resolveByName maps a display name (as typed in `!<plugin> ...`) to its
// registered path, returning "" if no loaded plugin has that name. Plugin
// names are not guaranteed unique across paths; the first match in
// insertion order wins.
func (r *Registry) resolveByName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, path := range r.order {
		if r.byPath[path].Name == name {
			return path
		}
	}
	return ""
}

// evict removes path from the registry, called once on_unload has finished
// running (§4.3 unload).
func (r *Registry) evict(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPath, path)
	for i, p := range r.order {
		if p == path {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns every registered plugin's path, name, and state, for a
// `!plugins` listing command or diagnostics.
func (r *Registry) Snapshot() []PluginSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginSummary, 0, len(r.order))
	for _, path := range r.order {
		pl := r.byPath[path]
		out = append(out, PluginSummary{Path: pl.Path, Name: pl.Name, State: pl.State(), Meta: pl.Meta})
	}
	return out
}

// PluginSummary is a read-only snapshot of one registered plugin.
type PluginSummary struct {
	Path  string
	Name  string
	State State
	Meta  PluginMeta
}
