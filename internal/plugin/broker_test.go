package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerNewShellAssignsIncreasingIDs(t *testing.T) {
	b := newPluginBroker("p")
	t.Cleanup(b.release)

	id1, err := b.newShell()
	require.NoError(t, err)
	id2, err := b.newShell()
	require.NoError(t, err)

	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)
	assert.EqualValues(t, 2, b.snapshot().ShellsCreated)
}

func TestBrokerRunShellRejectsUnknownID(t *testing.T) {
	b := newPluginBroker("p")
	t.Cleanup(b.release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, status := b.runShell(ctx, 99, "echo hi")
	assert.Equal(t, StatusInvalidArgument, status)
}

func TestBrokerRunShellEchoesOutput(t *testing.T) {
	b := newPluginBroker("p")
	t.Cleanup(b.release)

	id, err := b.newShell()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdout, _, status := b.runShell(ctx, id, "echo hello-from-shell")
	require.Equal(t, StatusOK, status)
	assert.Contains(t, stdout, "hello-from-shell")
	assert.EqualValues(t, 1, b.snapshot().ShellRuns)
}

func TestBrokerPatternCachesCompiledSource(t *testing.T) {
	b := newPluginBroker("p")
	t.Cleanup(b.release)

	p1, err := b.pattern(`^OK\b`)
	require.NoError(t, err)
	p2, err := b.pattern(`^OK\b`)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.EqualValues(t, 1, b.snapshot().PatternsCached)
}

func TestBrokerReleaseClearsShellsAndPatterns(t *testing.T) {
	b := newPluginBroker("p")

	id, err := b.newShell()
	require.NoError(t, err)
	_, err = b.pattern(`abc`)
	require.NoError(t, err)

	b.release()

	_, ok := b.shell(id)
	assert.False(t, ok)
	assert.Equal(t, 0, b.patterns.len())
}
