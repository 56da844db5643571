package plugin

import (
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// literalMetacharacters are escaped by re.literal (§4.5 Pattern cache).
const literalMetacharacters = `.^$*+?()[]{}|\`

// escapeLiteral returns s with every regex metacharacter backslash-escaped,
// so the result matches s verbatim (Testable Property 8: re.literal law).
func escapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(literalMetacharacters, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// pattern is a compiled regular expression plus its original source (§3
// Pattern), backed by regexp2 rather than the standard library's regexp so
// scripts can pass lookaround/backreference patterns a RE2-derived engine
// would reject.
type pattern struct {
	source   string
	compiled *regexp2.Regexp
}

// patternCache is one plugin's source→compiled-pattern map (§4.5 Pattern
// cache), owned by that plugin's pluginBroker and evicted in full on
// unload.
type patternCache struct {
	mu    sync.Mutex
	byKey map[string]*pattern
}

func newPatternCache() *patternCache {
	return &patternCache{byKey: make(map[string]*pattern)}
}

func (c *patternCache) compile(source string) (*pattern, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byKey[source]; ok {
		return p, nil
	}
	re, err := regexp2.Compile(source, regexp2.None)
	if err != nil {
		return nil, newHostError(StatusInvalidArgument, "invalid pattern %q: %v", source, err)
	}
	p := &pattern{source: source, compiled: re}
	c.byKey[source] = p
	return p, nil
}

func (p *pattern) match(s string) (bool, error) {
	ok, err := p.compiled.MatchString(s)
	if err != nil {
		return false, newHostError(StatusIOError, "pattern match failed: %v", err)
	}
	return ok, nil
}

// clear drops every cached pattern, called when the owning plugin unloads.
func (c *patternCache) clear() {
	c.mu.Lock()
	c.byKey = make(map[string]*pattern)
	c.mu.Unlock()
}
