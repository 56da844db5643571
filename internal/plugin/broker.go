package plugin

import (
	"context"
	"sync"
	"sync/atomic"
)

// pluginBroker is one plugin's share of the Resource Broker (§4.5): its
// Shell sessions and its Pattern cache, plus usage counters. Grounded on
// internal/plugin/sandbox.go's SandboxedHostAPI — that type wraps a shared
// HostAPI with a per-plugin policy, rate limiters, and an atomic-counter
// PluginStats struct; this type keeps the per-plugin-bookkeeping shape but
// drops the permission/rate-limit machinery entirely, because §1's
// Non-goals rule out sandboxing scripts against their own author and
// nothing here is multi-tenant.
type pluginBroker struct {
	pluginName string

	mu       sync.Mutex
	shells   map[int]*shellSession
	nextID   int

	patterns *patternCache

	stats BrokerStats
}

// BrokerStats counts resource usage for one plugin, surfaced for
// diagnostics the way sandbox.go's StatsSnapshot surfaces DB/HTTP call
// counts.
type BrokerStats struct {
	ShellsCreated  int64
	ShellRuns      int64
	PatternsCached int64
}

func newPluginBroker(pluginName string) *pluginBroker {
	return &pluginBroker{
		pluginName: pluginName,
		shells:     make(map[int]*shellSession),
		patterns:   newPatternCache(),
	}
}

// newShell services Shell.new() (:Shell.new): spawns a session, assigns a
// monotonically increasing id scoped to this plugin, and returns it.
func (b *pluginBroker) newShell() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sess, err := newShellSession(id)
	if err != nil {
		return 0, err
	}
	b.shells[id] = sess
	atomic.AddInt64(&b.stats.ShellsCreated, 1)
	return id, nil
}

func (b *pluginBroker) shell(id int) (*shellSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shells[id]
	return s, ok
}

// runShell services shell:run(cmd, opts) (:Shell:run).
func (b *pluginBroker) runShell(ctx context.Context, id int, cmdLine string) (stdout, stderr string, status Status) {
	sess, ok := b.shell(id)
	if !ok {
		return "", "", StatusInvalidArgument
	}
	atomic.AddInt64(&b.stats.ShellRuns, 1)
	return sess.run(ctx, cmdLine)
}

// existShell services shell:exist(prog) (:Shell:exist). The probe does not
// depend on a particular session (it answers "does prog exist on PATH",
// not "inside session id"), matching §4.5's platform-appropriate probe.
func (b *pluginBroker) existShell(ctx context.Context, prog string) (bool, error) {
	return probeExist(ctx, prog)
}

// pattern resolves (compiling and caching if needed) the pattern for
// source, servicing re.match/re.matches/re.literal's underlying compiles.
func (b *pluginBroker) pattern(source string) (*pattern, error) {
	before := b.patterns.len()
	p, err := b.patterns.compile(source)
	if err == nil && b.patterns.len() > before {
		atomic.AddInt64(&b.stats.PatternsCached, 1)
	}
	return p, err
}

func (c *patternCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// snapshot returns a copy of the plugin's current usage counters.
func (b *pluginBroker) snapshot() BrokerStats {
	return BrokerStats{
		ShellsCreated:  atomic.LoadInt64(&b.stats.ShellsCreated),
		ShellRuns:      atomic.LoadInt64(&b.stats.ShellRuns),
		PatternsCached: atomic.LoadInt64(&b.stats.PatternsCached),
	}
}

// release terminates every Shell session and drops the pattern cache,
// called when the owning plugin unloads (§4.3 unload, §4.5 "released in
// full when their owning plugin unloads").
func (b *pluginBroker) release() {
	b.mu.Lock()
	sessions := make([]*shellSession, 0, len(b.shells))
	for _, s := range b.shells {
		sessions = append(sessions, s)
	}
	b.shells = make(map[int]*shellSession)
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	b.patterns.clear()
}
