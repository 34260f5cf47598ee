package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdConstructorsAreUniqueAndNonEmpty(t *testing.T) {
	s1, s2 := NewSessionId(), NewSessionId()
	require.NotEmpty(t, s1)
	require.NotEqual(t, s1, s2)

	p1, p2 := NewPageId(), NewPageId()
	require.NotEmpty(t, p1)
	require.NotEqual(t, p1, p2)

	require.NotEmpty(t, NewFrameId())
	require.NotEmpty(t, NewActionId())
	require.NotEmpty(t, NewTaskId())
}

func TestExecRouteRouteKey(t *testing.T) {
	sid := NewSessionId()
	pid := NewPageId()
	route := ExecRoute{SessionId: sid, PageId: pid}

	require.False(t, route.HasFrame())
	key := route.RouteKey()
	require.Equal(t, sid, key.SessionId)
	require.Equal(t, pid, key.PageId)
	require.Equal(t, string(sid)+"/"+string(pid), key.String())

	route.FrameId = NewFrameId()
	require.True(t, route.HasFrame())
}

func TestRouteKeyEquality(t *testing.T) {
	sid, pid := NewSessionId(), NewPageId()
	a := ExecRoute{SessionId: sid, PageId: pid, FrameId: NewFrameId()}
	b := ExecRoute{SessionId: sid, PageId: pid, FrameId: NewFrameId()}

	// Frame id doesn't participate in the mutex key: two routes differing
	// only by frame share the same route key.
	require.Equal(t, a.RouteKey(), b.RouteKey())
}
