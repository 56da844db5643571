package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternCacheCompilesAndReuses(t *testing.T) {
	c := newPatternCache()

	p1, err := c.compile(`^OK\b`)
	require.NoError(t, err)
	p2, err := c.compile(`^OK\b`)
	require.NoError(t, err)

	assert.Same(t, p1, p2, "identical source should hit the cache rather than recompile")
	assert.Equal(t, 1, c.len())
}

func TestPatternCacheRejectsInvalidSource(t *testing.T) {
	c := newPatternCache()
	_, err := c.compile(`(unterminated`)
	require.Error(t, err)

	var hostErr *HostError
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, StatusInvalidArgument, hostErr.Status)
}

func TestPatternMatch(t *testing.T) {
	c := newPatternCache()
	p, err := c.compile(`^ERROR:\s*\d+$`)
	require.NoError(t, err)

	ok, err := p.match("ERROR: 42")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.match("not an error")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEscapeLiteralRoundTrips(t *testing.T) {
	c := newPatternCache()
	for _, raw := range []string{"a.b*c", "[hello]", "price: $5.00", "plain"} {
		escaped := escapeLiteral(raw)
		p, err := c.compile(escaped)
		require.NoError(t, err)

		ok, err := p.match(raw)
		require.NoError(t, err)
		assert.True(t, ok, "escaped pattern %q should match its own source %q literally", escaped, raw)
	}
}
