package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
)

func newTestCenter() *Center {
	return New(eventbus.New(16), logr.Discard())
}

func TestLayerPrecedenceMoreSpecificWins(t *testing.T) {
	c := newTestCenter()
	c.SetBuiltin(map[string]any{
		"quotas": map[string]any{"max_concurrent_global": 10},
		"scheduler": map[string]any{
			"slots": 4,
		},
	})
	require.Equal(t, 10, c.Snapshot().GetInt("quotas.max_concurrent_global", -1))

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quotas:\n  max_concurrent_global: 20\n"), 0o644))
	require.NoError(t, c.LoadFile(path))
	require.Equal(t, 20, c.Snapshot().GetInt("quotas.max_concurrent_global", -1))
	require.Equal(t, 4, c.Snapshot().GetInt("scheduler.slots", -1))

	c.SetCLI(map[string]any{"quotas": map[string]any{"max_concurrent_global": 30}})
	require.Equal(t, 30, c.Snapshot().GetInt("quotas.max_concurrent_global", -1))

	snap := c.Snapshot()
	require.Equal(t, SourceCLI, snap.Provenance["quotas.max_concurrent_global"])
	require.Equal(t, SourceBuiltin, snap.Provenance["scheduler.slots"])
}

func TestOverrideRejectsPathOutsideAllowList(t *testing.T) {
	c := newTestCenter()
	err := c.Override("dangerous.internal_setting", true, 0)
	require.Error(t, err)
	var notAllowed *ErrPathNotAllowed
	require.ErrorAs(t, err, &notAllowed)
}

func TestOverrideWinsOverEveryOtherLayer(t *testing.T) {
	c := newTestCenter()
	c.SetBuiltin(map[string]any{"quotas": map[string]any{"max_concurrent_global": 10}})
	require.NoError(t, c.Override("quotas.max_concurrent_global", 99, 0))
	require.Equal(t, 99, c.Snapshot().GetInt("quotas.max_concurrent_global", -1))

	snap := c.Snapshot()
	require.Equal(t, SourceRuntime, snap.Provenance["quotas.max_concurrent_global"])
}

func TestOverrideTTLExpiresAndSweeps(t *testing.T) {
	c := newTestCenter()
	c.sweepInterval = 10 * time.Millisecond
	c.StartSweeper()
	defer c.Close()

	require.NoError(t, c.Override("feature_flags.beta_mode", true, 20*time.Millisecond))
	require.True(t, c.Snapshot().GetBool("feature_flags.beta_mode", false))

	require.Eventually(t, func() bool {
		return !c.Snapshot().GetBool("feature_flags.beta_mode", false)
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestRevisionIncreasesOnEveryMutation(t *testing.T) {
	c := newTestCenter()
	first := c.Snapshot().Revision
	c.SetCLI(map[string]any{"scheduler": map[string]any{"slots": 8}})
	require.Greater(t, c.Snapshot().Revision, first)
}

func TestSubscribePublishesRevisionEvents(t *testing.T) {
	c := newTestCenter()
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, c.Override("quotas.max_concurrent_per_route", 3, 0))

	select {
	case evt := <-sub.Events():
		rev, ok := evt.Payload.(RevisionPublished)
		require.True(t, ok)
		require.Equal(t, c.Snapshot().Revision, rev.Revision)
	case <-time.After(time.Second):
		t.Fatal("did not observe RevisionPublished")
	}
}
