package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunYieldsAndCompletes(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginCommand)

	task.run(func(args ...any) (any, error) {
		reply := task.yield(HostRequest{Tag: ":log.info", Args: []any{"hi"}})
		return reply.Status, nil
	}, nil)

	sig := task.awaitSignal()
	require.NotNil(t, sig.request)
	assert.Equal(t, ":log.info", sig.request.Tag)

	sig = task.resume(okReply())
	require.True(t, sig.done)
	assert.Equal(t, StatusOK, sig.result)
	assert.NoError(t, sig.err)
}

func TestTaskRunRecoversPanic(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginCommand)

	task.run(func(args ...any) (any, error) {
		panic("boom")
	}, nil)

	sig := task.awaitSignal()
	require.True(t, sig.done)
	require.Error(t, sig.err)
	assert.Contains(t, sig.err.Error(), "boom")
}

func TestTaskCancelDeferredInvokesCancelFunc(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginCommand)

	called := make(chan struct{})
	task.setDeferredCancel(func() { close(called) })

	task.cancelDeferred()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("cancelDeferred never invoked the registered cancel func")
	}
	assert.True(t, task.cancelled)
}

func TestTaskCancelDeferredNoopWithoutCancelFunc(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginCommand)

	assert.NotPanics(t, func() { task.cancelDeferred() })
	assert.True(t, task.cancelled)
}

func TestTaskInvocationLifecycle(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginLifecycle)
	task.Lifecycle = "load"

	fn, args := task.invocation()
	assert.Equal(t, "on_load", fn)
	assert.Nil(t, args)
}

func TestTaskInvocationCommand(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginCommand)
	task.Command = &CommandInvocation{Plugin: "p", Command: "send", Args: []string{"a", "b"}}

	fn, args := task.invocation()
	assert.Equal(t, "send", fn)
	assert.Equal(t, []any{"a", "b"}, args)
}

func TestTaskInvocationEvent(t *testing.T) {
	pl := &Plugin{Name: "p"}
	task := newTask(pl, OriginEvent)
	task.Event = newEvent(EventSerialRecv, []byte("hi"))

	fn, args := task.invocation()
	assert.Equal(t, "on_serial_recv", fn)
	assert.Equal(t, []any{[]byte("hi")}, args)
}
