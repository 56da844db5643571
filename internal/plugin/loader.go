package plugin

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader watches a directory of plugin scripts and drives the Dispatcher's
// LoadPlugin/UnloadPlugin on create/write/remove, debouncing bursts of
// filesystem events the way editors and `go build`-style tools tend to
// produce them (several writes for one logical save). Grounded on
// internal/plugin/loader/loader.go's fsnotify.NewWatcher plus per-path
// debounce-timer map, adapted from WASM binary discovery to `.js` script
// discovery.
type Loader struct {
	dir        string
	extension  string
	dispatcher *Dispatcher
	log        Log

	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// LoaderConfig carries the watched directory and debounce interval.
type LoaderConfig struct {
	Dir       string
	Extension string // defaults to ".js"
	Debounce  time.Duration
}

// NewLoader builds a Loader over cfg. Call Start to begin watching.
func NewLoader(dispatcher *Dispatcher, log Log, cfg LoaderConfig) (*Loader, error) {
	if cfg.Extension == "" {
		cfg.Extension = ".js"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(cfg.Dir); err != nil {
		w.Close()
		return nil, err
	}
	return &Loader{
		dir:        cfg.Dir,
		extension:  cfg.Extension,
		dispatcher: dispatcher,
		log:        log,
		watcher:    w,
		debounce:   cfg.Debounce,
		pending:    make(map[string]*time.Timer),
	}, nil
}

// LoadExisting loads every matching script already present in the watched
// directory, in lexical order, called once at startup before Start.
func (l *Loader) LoadExisting() error {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*"+l.extension))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if _, err := l.dispatcher.LoadPlugin(path); err != nil {
			l.log.Line("loader", LogError, "load "+path+": "+err.Error())
		}
	}
	return nil
}

// Start runs the watch loop until done is closed, then closes the watcher.
// It blocks, so callers run it on a goroutine of their own.
func (l *Loader) Start(done <-chan struct{}) {
	for {
		select {
		case <-done:
			l.watcher.Close()
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(ev)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Line("loader", LogError, "watch error: "+err.Error())
		}
	}
}

func (l *Loader) handleEvent(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != l.extension {
		return
	}
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		l.debounced(ev.Name, func() {
			if err := l.dispatcher.UnloadPlugin(ev.Name); err != nil {
				l.log.Line("loader", LogDebug, "unload "+ev.Name+": "+err.Error())
			}
		})
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		l.debounced(ev.Name, func() {
			l.reload(ev.Name)
		})
	}
}

// reload unloads any existing plugin registered at path and loads it fresh,
// so an edited script always runs on_unload against its old state before
// on_load runs against the new one (§4.3 reload and Hot reload).
// Unloading only evicts the registry entry once on_unload's Task finishes
// inside the Dispatcher's own loop, so this waits for that eviction before
// reloading rather than racing LoadPlugin against it.
func (l *Loader) reload(path string) {
	norm, err := normalizedPath(path)
	if err == nil {
		if _, ok := l.dispatcher.registry.get(norm); ok {
			_ = l.dispatcher.UnloadPlugin(path)
			l.awaitEviction(norm)
		}
	}
	if _, err := l.dispatcher.LoadPlugin(path); err != nil {
		l.log.Line("loader", LogError, "load "+path+": "+err.Error())
	}
}

// awaitEviction blocks until norm is no longer registered, or a bounded
// timeout elapses (a stuck on_unload should not wedge the watch loop
// forever; LoadPlugin's own "already loaded" error surfaces the failure).
func (l *Loader) awaitEviction(norm string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := l.dispatcher.registry.get(norm); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// debounced schedules fn to run after l.debounce, resetting any pending
// timer already scheduled for the same path, so a burst of filesystem
// events for one path results in a single action (§4.3 Hot reload's
// per-path debounce).
func (l *Loader) debounced(path string, fn func()) {
	key := strings.TrimSuffix(path, l.extension)
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if t, ok := l.pending[key]; ok {
		t.Stop()
	}
	l.pending[key] = time.AfterFunc(l.debounce, func() {
		l.pendingMu.Lock()
		delete(l.pending, key)
		l.pendingMu.Unlock()
		fn()
	})
}
