package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestScriptRuntimeLoadExposesModuleFunctions(t *testing.T) {
	path := writeTestScript(t, `
module.exports.on_load = function() { return true; };
module.exports.add = function(a, b) { return a + b; };
`)
	sr := newScriptRuntime()
	_, err := sr.load(path)
	require.NoError(t, err)

	keys := sr.moduleKeys()
	assert.Contains(t, keys, "on_load")
	assert.Contains(t, keys, "add")

	_, ok := sr.callable("add")
	assert.True(t, ok)
	_, ok = sr.callable("missing")
	assert.False(t, ok)
}

func TestScriptRuntimeInvokeReturnsExportedResult(t *testing.T) {
	path := writeTestScript(t, `
module.exports.add = function(a, b) { return a + b; };
`)
	sr := newScriptRuntime()
	_, err := sr.load(path)
	require.NoError(t, err)

	result, err := sr.invoke("add", 2.0, 3.0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestScriptRuntimeInvokeStripsScriptLocationOnThrow(t *testing.T) {
	path := writeTestScript(t, `
module.exports.boom = function() { throw new Error("kaboom"); };
`)
	sr := newScriptRuntime()
	_, err := sr.load(path)
	require.NoError(t, err)

	_, err = sr.invoke("boom")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), ".js:")
	assert.Contains(t, err.Error(), "kaboom")
}

func TestScriptRuntimeInvokeUnknownFunction(t *testing.T) {
	path := writeTestScript(t, `module.exports.on_load = function() { return true; };`)
	sr := newScriptRuntime()
	_, err := sr.load(path)
	require.NoError(t, err)

	_, err = sr.invoke("nonexistent")
	require.Error(t, err)
}

func TestToByteSliceHandlesNegativeWraparound(t *testing.T) {
	out, ok := toByteSlice([]any{float64(0), float64(255), float64(-1), float64(-128)})
	require.True(t, ok)
	assert.Equal(t, []byte{0, 255, 255, 128}, out)
}

func TestToByteSliceRejectsNonNumeric(t *testing.T) {
	_, ok := toByteSlice([]any{float64(1), "not a number"})
	assert.False(t, ok)
}

func TestPluginDisplayNameStripsDirAndExtension(t *testing.T) {
	assert.Equal(t, "radio", pluginDisplayName("/a/b/radio.js"))
}

func TestNormalizedPathIsAbsoluteAndClean(t *testing.T) {
	norm, err := normalizedPath("./plugin.js")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(norm))
	assert.Equal(t, filepath.Clean(norm), norm)
}
