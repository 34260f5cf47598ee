package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

func newTestRegistry() *Registry {
	return New(eventbus.New(32), logr.Discard())
}

func TestResolveRouteStaleCases(t *testing.T) {
	r := newTestRegistry()

	_, err := r.ResolveRoute(ids.ExecRoute{SessionId: "nope", PageId: "nope"})
	require.Error(t, err)
	require.Equal(t, ReasonSessionGone, err.(*RouteStaleError).Reason)

	sid := r.CreateSession("tenant-a")
	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: "nope"})
	require.Equal(t, ReasonPageGone, err.(*RouteStaleError).Reason)

	pid, err := r.AttachPage(sid, "https://example.com")
	require.NoError(t, err)

	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid, FrameId: "nope"})
	require.Equal(t, ReasonFrameGone, err.(*RouteStaleError).Reason)

	info, err := r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid})
	require.NoError(t, err)
	require.Equal(t, sid, info.Route.SessionId)
	require.Equal(t, pid, info.Route.PageId)
}

func TestDetachPageRemovesFrames(t *testing.T) {
	r := newTestRegistry()
	sid := r.CreateSession("t")
	pid, err := r.AttachPage(sid, "https://a")
	require.NoError(t, err)

	fid, err := r.AttachFrame(sid, pid, "", "https://a/iframe")
	require.NoError(t, err)

	r.DetachPage(sid, pid)

	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid})
	require.Equal(t, ReasonPageGone, err.(*RouteStaleError).Reason)

	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid, FrameId: fid})
	require.Equal(t, ReasonPageGone, err.(*RouteStaleError).Reason)
}

func TestMarkSessionFailedPublishesSessionLost(t *testing.T) {
	r := newTestRegistry()
	sub := r.Subscribe()
	defer sub.Unsubscribe()

	sid := r.CreateSession("t")
	pid, err := r.AttachPage(sid, "https://a")
	require.NoError(t, err)

	r.MarkSessionFailed(sid)

	var sawLost bool
	deadline := time.After(time.Second)
	for !sawLost {
		select {
		case evt := <-sub.Events():
			if lost, ok := evt.Payload.(SessionLost); ok {
				require.Equal(t, sid, lost.SessionID)
				require.Contains(t, lost.DetachedPages, pid)
				sawLost = true
			}
		case <-deadline:
			t.Fatal("did not observe SessionLost")
		}
	}

	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid})
	require.Error(t, err)
}

func TestUpdatePageLoadState(t *testing.T) {
	r := newTestRegistry()
	sid := r.CreateSession("t")
	pid, err := r.AttachPage(sid, "https://a")
	require.NoError(t, err)

	r.UpdatePageLoadState(sid, pid, LoadComplete, "https://a/landed")
	page, ok := r.Page(sid, pid)
	require.True(t, ok)
	require.Equal(t, LoadComplete, page.LoadState)
	require.Equal(t, "https://a/landed", page.URL)

	// A page that failed its navigation is no longer a valid route target.
	r.UpdatePageLoadState(sid, pid, LoadFailed, "")
	_, err = r.ResolveRoute(ids.ExecRoute{SessionId: sid, PageId: pid})
	require.Error(t, err)
	require.Equal(t, ReasonPageGone, err.(*RouteStaleError).Reason)
}

// TestConcurrentSessionsDoNotContend exercises invariant 1 & 2: many sessions
// mutated concurrently never corrupt each other's page/frame maps.
func TestConcurrentSessionsDoNotContend(t *testing.T) {
	r := newTestRegistry()
	const n = 50
	var wg sync.WaitGroup
	sessionIDs := make([]ids.SessionId, n)

	for i := 0; i < n; i++ {
		sessionIDs[i] = r.CreateSession("tenant")
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(sid ids.SessionId) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pid, err := r.AttachPage(sid, "https://x")
				require.NoError(t, err)
				r.ApplyNetworkSnapshot(sid, pid, NetworkSnapshot{Responses2xx: 1, ObservedAt: time.Now()})
			}
		}(sessionIDs[i])
	}
	wg.Wait()

	for _, sid := range sessionIDs {
		sess, ok := r.Session(sid)
		require.True(t, ok)
		require.Len(t, sess.PageIDs, 20)
	}
}
