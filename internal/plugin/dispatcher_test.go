package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func newTestDispatcher(t *testing.T, transport Transport) (*Dispatcher, *MemorySink) {
	t.Helper()
	sink := NewMemorySink(nil)
	registry := NewRegistry(sink)
	d := NewDispatcher(registry, transport, sink, DispatcherConfig{
		QueueCapacity:  16,
		DefaultTimeout: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	return d, sink
}

func waitForState(t *testing.T, pl *Plugin, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pl.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("plugin never reached state %s, last state %s", want, pl.State())
}

// TestHelloEcho loads a plugin that echoes every inbound serial frame back
// out with an "echo:" prefix, and asserts the transport observes the echo.
func TestHelloEcho(t *testing.T) {
	path := writeScript(t, `
module.exports.on_load = function() { return true; };
module.exports.on_serial_recv = function(data) {
  var scope = require("scope");
  scope.serial.send(scope.fmt.to_bytes("echo:" + scope.fmt.to_str(data)));
};
`)
	transport := NewFakeTransport()
	transport.SetKind(TransportSerial)
	d, _ := newTestDispatcher(t, transport)

	pl, err := d.LoadPlugin(path)
	require.NoError(t, err)
	waitForState(t, pl, StateReady)

	sent := make(chan []byte, 1)
	transport.OnSend(func(b []byte) { sent <- b })

	d.PostEvent(newEvent(EventSerialRecv, []byte("hi")))

	select {
	case frame := <-sent:
		require.Equal(t, "echo:hi", string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("plugin never echoed the inbound frame")
	}
}

// TestSerialRecvTimeout drives a plugin's serial.recv() call with no
// matching inbound event and a short timeout, and asserts it observes a
// timeout status rather than blocking forever.
func TestSerialRecvTimeout(t *testing.T) {
	path := writeScript(t, `
module.exports.on_load = function() { return true; };
module.exports.wait_once = function() {
  var scope = require("scope");
  var r = scope.serial.recv({ timeout_ms: 50 });
  scope.log.info("recv result: " + (r.err || "ok"));
};
`)
	transport := NewFakeTransport()
	transport.SetKind(TransportSerial)
	d, sink := newTestDispatcher(t, transport)

	pl, err := d.LoadPlugin(path)
	require.NoError(t, err)
	waitForState(t, pl, StateReady)

	d.PostCommand(&CommandInvocation{Plugin: pl.Name, Command: "wait_once"})

	deadline := time.Now().Add(2 * time.Second)
	var lines []MemoryLine
	for time.Now().Before(deadline) {
		lines = sink.Lines()
		for _, l := range lines {
			if l.Msg == "recv result: timeout" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("serial.recv never reported a timeout, saw lines: %+v", lines)
}

// TestUnloadCancelsSleep loads a plugin parked in a long sys.sleep and
// unloads it, asserting on_unload still runs and the plugin reaches Dead
// promptly rather than waiting out the sleep.
func TestUnloadCancelsSleep(t *testing.T) {
	path := writeScript(t, `
module.exports.on_load = function() { return true; };
module.exports.on_unload = function() {
  var scope = require("scope");
  scope.log.info("unloading");
};
module.exports.sleep_forever = function() {
  var scope = require("scope");
  scope.sys.sleep_ms(60000);
};
`)
	transport := NewFakeTransport()
	d, sink := newTestDispatcher(t, transport)

	pl, err := d.LoadPlugin(path)
	require.NoError(t, err)
	waitForState(t, pl, StateReady)

	d.PostCommand(&CommandInvocation{Plugin: pl.Name, Command: "sleep_forever"})
	time.Sleep(50 * time.Millisecond) // let it park inside sys.sleep_ms

	require.NoError(t, d.UnloadPlugin(path))
	waitForState(t, pl, StateDead)

	found := false
	for _, line := range sink.Lines() {
		if line.Msg == "unloading" {
			found = true
		}
	}
	require.True(t, found, "on_unload should still run its log line")
}

// TestUnloadBeforeFirstDeferredCallCancelsFastPath covers the gap
// cancelDeferred alone can't close: UnloadPlugin races a Task that hasn't
// yet registered a deferred context (it's busy running synchronous script
// logic), so cancelDeferred only sets t.cancelled with nothing to invoke.
// The Task's next suspension point must still observe the cancellation and
// fail fast instead of parking for its full duration.
func TestUnloadBeforeFirstDeferredCallCancelsFastPath(t *testing.T) {
	path := writeScript(t, `
module.exports.on_load = function() { return true; };
module.exports.on_unload = function() {
  var scope = require("scope");
  scope.log.info("unloading");
};
module.exports.busy_then_sleep = function() {
  var scope = require("scope");
  var start = Date.now();
  while (Date.now() - start < 150) {} // no host call here: no deferredCancel registered yet
  scope.sys.sleep_ms(60000);
  scope.log.info("resumed after sleep");
};
`)
	transport := NewFakeTransport()
	d, sink := newTestDispatcher(t, transport)

	pl, err := d.LoadPlugin(path)
	require.NoError(t, err)
	waitForState(t, pl, StateReady)

	d.PostCommand(&CommandInvocation{Plugin: pl.Name, Command: "busy_then_sleep"})
	time.Sleep(20 * time.Millisecond) // Task is running, still inside the busy loop

	start := time.Now()
	require.NoError(t, d.UnloadPlugin(path))
	waitForState(t, pl, StateDead)
	elapsed := time.Since(start)

	require.Less(t, elapsed, 2*time.Second,
		"unload raced before the first deferred call registered; sys.sleep_ms should still fail fast rather than parking for its full 60s duration")

	for _, line := range sink.Lines() {
		require.NotEqual(t, "resumed after sleep", line.Msg, "sleep should have been cancelled, not completed")
	}
}

// TestShellExistNeverThrowsOnNonOkStatus drives Shell:exist down the same
// pre-deferred-registration cancellation race and asserts the JS wrapper
// reports the in-band status rather than throwing, matching the propagation
// policy for deferred calls (they never raise).
func TestShellExistNeverThrowsOnNonOkStatus(t *testing.T) {
	path := writeScript(t, `
module.exports.on_load = function() { return true; };
module.exports.on_unload = function() {
  var scope = require("scope");
  scope.log.info("unloading");
};
module.exports.probe = function() {
  var scope = require("scope");
  var Shell = require("shell");
  var sh = new Shell();
  var start = Date.now();
  while (Date.now() - start < 150) {} // no host call yet: no deferredCancel registered
  var r = sh.exist("whatever");
  scope.log.info("exist status: " + r.status + " found: " + r.found);
};
`)
	transport := NewFakeTransport()
	d, sink := newTestDispatcher(t, transport)

	pl, err := d.LoadPlugin(path)
	require.NoError(t, err)
	waitForState(t, pl, StateReady)

	d.PostCommand(&CommandInvocation{Plugin: pl.Name, Command: "probe"})
	time.Sleep(20 * time.Millisecond) // Task is running, still inside the busy loop

	require.NoError(t, d.UnloadPlugin(path))
	waitForState(t, pl, StateDead)

	var sawResult bool
	for _, line := range sink.Lines() {
		if line.Msg == "exist status: cancelled found: false" {
			sawResult = true
		}
	}
	require.True(t, sawResult, "Shell:exist should report its cancelled status in-band, not throw; lines: %+v", sink.Lines())
}
