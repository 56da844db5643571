package plugin

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PluginMeta is the optional sidecar metadata SPEC_FULL §3 PluginMeta
// describes: a human-readable description and author for a `!plugins`
// listing, read from `<plugin>.meta.yaml` next to the script if present.
// A plugin with no sidecar file loads exactly as if PluginMeta were the
// zero value — nothing about load/unload/dispatch depends on it.
type PluginMeta struct {
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
}

// metaPathFor returns the sidecar path for a normalized plugin script path:
// "radio.js" -> "radio.meta.yaml".
func metaPathFor(scriptPath string) string {
	ext := ""
	if idx := strings.LastIndex(scriptPath, "."); idx >= 0 {
		ext = scriptPath[idx:]
	}
	base := strings.TrimSuffix(scriptPath, ext)
	return base + ".meta.yaml"
}

// loadPluginMeta reads and parses scriptPath's sidecar file, if present. A
// missing sidecar is not an error; a malformed one is, since an author who
// bothered to write one presumably wants a yaml error surfaced rather than
// silently ignored.
func loadPluginMeta(scriptPath string) (PluginMeta, error) {
	data, err := os.ReadFile(metaPathFor(scriptPath))
	if os.IsNotExist(err) {
		return PluginMeta{}, nil
	}
	if err != nil {
		return PluginMeta{}, err
	}
	var meta PluginMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return PluginMeta{}, newHostError(StatusLoadError, "parse %s: %v", metaPathFor(scriptPath), err)
	}
	return meta, nil
}
