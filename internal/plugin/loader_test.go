package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForRegistered(t *testing.T, r *Registry, norm string, present bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, ok := r.get(norm)
		if ok == present {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("plugin %s registration never reached present=%v", norm, present)
}

func TestLoaderLoadExistingLoadsAllScripts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte(
		`module.exports.on_load = function() { return true; };`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.js"), []byte(
		`module.exports.on_load = function() { return true; };`), 0o644))

	registry := NewRegistry(NewMemorySink(nil))
	transport := NewFakeTransport()
	d := NewDispatcher(registry, transport, NewMemorySink(nil), DispatcherConfig{QueueCapacity: 16})
	ctx, cancel := context.WithCancel(context.Background())
	d.Run(ctx)
	t.Cleanup(func() { cancel(); d.Stop() })

	loader, err := NewLoader(d, NewMemorySink(nil), LoaderConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, loader.LoadExisting())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(registry.pluginNames()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, registry.pluginNames(), 2)
}

func TestLoaderHotReloadsOnWriteAndUnloadsOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.js")
	require.NoError(t, os.WriteFile(path, []byte(
		`module.exports.on_load = function() { return true; };`), 0o644))

	registry := NewRegistry(NewMemorySink(nil))
	transport := NewFakeTransport()
	d := NewDispatcher(registry, transport, NewMemorySink(nil), DispatcherConfig{QueueCapacity: 16})
	ctx, cancel := context.WithCancel(context.Background())
	d.Run(ctx)
	t.Cleanup(func() { cancel(); d.Stop() })

	loader, err := NewLoader(d, NewMemorySink(nil), LoaderConfig{Dir: dir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, loader.LoadExisting())

	norm, err := normalizedPath(path)
	require.NoError(t, err)
	waitForRegistered(t, registry, norm, true)

	done := make(chan struct{})
	go loader.Start(done)
	t.Cleanup(func() { close(done) })

	require.NoError(t, os.WriteFile(path, []byte(
		`module.exports.on_load = function() { return true; };
module.exports.marker = function() { return "v2"; };`), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pl, ok := registry.get(norm); ok {
			if _, has := pl.Entries()["marker"]; has {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	pl, ok := registry.get(norm)
	require.True(t, ok)
	_, hasMarker := pl.Entries()["marker"]
	require.True(t, hasMarker, "write should have triggered a reload picking up the new export")

	require.NoError(t, os.Remove(path))
	waitForRegistered(t, registry, norm, false)
}
