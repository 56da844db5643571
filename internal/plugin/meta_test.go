package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPluginMetaAbsentSidecarIsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radio.js")
	require.NoError(t, os.WriteFile(path, []byte(`module.exports.on_load = function(){return true;};`), 0o644))

	meta, err := loadPluginMeta(path)
	require.NoError(t, err)
	assert.Equal(t, PluginMeta{}, meta)
}

func TestLoadPluginMetaParsesSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radio.js")
	require.NoError(t, os.WriteFile(path, []byte(`module.exports.on_load = function(){return true;};`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "radio.meta.yaml"), []byte(
		"description: echoes inbound serial frames\nauthor: jane\n"), 0o644))

	meta, err := loadPluginMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "echoes inbound serial frames", meta.Description)
	assert.Equal(t, "jane", meta.Author)
}

func TestLoadPluginMetaRejectsMalformedSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radio.js")
	require.NoError(t, os.WriteFile(path, []byte(`module.exports.on_load = function(){return true;};`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "radio.meta.yaml"), []byte("not: [valid"), 0o644))

	_, err := loadPluginMeta(path)
	require.Error(t, err)
}

func TestRegistryPreparePopulatesMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radio.js")
	require.NoError(t, os.WriteFile(path, []byte(`module.exports.on_load = function(){return true;};`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "radio.meta.yaml"), []byte(
		"description: test plugin\nauthor: j\n"), 0o644))

	r := NewRegistry(NewMemorySink(nil))
	pl, err := r.prepare(path)
	require.NoError(t, err)
	assert.Equal(t, "test plugin", pl.Meta.Description)
}
