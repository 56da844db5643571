package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandSimple(t *testing.T) {
	inv, err := ParseCommand("!radio send hello")
	require.NoError(t, err)
	assert.Equal(t, "radio", inv.Plugin)
	assert.Equal(t, "send", inv.Command)
	assert.Equal(t, []string{"hello"}, inv.Args)
}

func TestParseCommandQuotedArgument(t *testing.T) {
	inv, err := ParseCommand(`!radio send "hello world" now`)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world", "now"}, inv.Args)
}

func TestParseCommandRequiresBang(t *testing.T) {
	_, err := ParseCommand("radio send hello")
	assert.Error(t, err)
}

func TestParseCommandRequiresCommandName(t *testing.T) {
	_, err := ParseCommand("!radio")
	assert.Error(t, err)
}

func TestParseCommandUnterminatedQuote(t *testing.T) {
	_, err := ParseCommand(`!radio send "unterminated`)
	assert.Error(t, err)
}
