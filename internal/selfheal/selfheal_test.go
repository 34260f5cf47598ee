package selfheal

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/scheduler"
)

func transportDisconnected(fd scheduler.FailureDescriptor) bool {
	return fd.Kind == kernelerr.KindTransportDisconnected
}

func TestConsultAutoRetryGrantsExtraAttempts(t *testing.T) {
	reg := New([]Strategy{
		{ID: "reconnect-retry", Match: transportDisconnected, Action: ActionAutoRetry, ExtraAttempts: 2, Enabled: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	decision := reg.Consult(scheduler.FailureDescriptor{CallID: ids.CallId("c1"), Kind: kernelerr.KindTransportDisconnected})
	assert.Equal(t, string(ActionAutoRetry), decision.Action)
	assert.Equal(t, 2, decision.ExtraAttempts)
}

func TestConsultNoMatchReturnsNone(t *testing.T) {
	reg := New(nil, 0, nil, eventbus.New(16), logr.Discard())
	decision := reg.Consult(scheduler.FailureDescriptor{Kind: kernelerr.KindInternal})
	assert.Equal(t, string(ActionNone), decision.Action)
}

func TestConsultFiresOnceUnlessRearmable(t *testing.T) {
	reg := New([]Strategy{
		{ID: "s1", Match: transportDisconnected, Action: ActionAutoRetry, ExtraAttempts: 1, Enabled: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	fd := scheduler.FailureDescriptor{CallID: ids.CallId("dup"), Kind: kernelerr.KindTransportDisconnected}
	first := reg.Consult(fd)
	second := reg.Consult(fd)

	assert.Equal(t, string(ActionAutoRetry), first.Action)
	assert.Equal(t, string(ActionNone), second.Action, "non-rearmable strategy should not fire twice for the same call id")
}

func TestConsultRearmableFiresRepeatedly(t *testing.T) {
	reg := New([]Strategy{
		{ID: "s1", Match: transportDisconnected, Action: ActionAutoRetry, ExtraAttempts: 1, Enabled: true, Rearmable: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	fd := scheduler.FailureDescriptor{CallID: ids.CallId("dup"), Kind: kernelerr.KindTransportDisconnected}
	first := reg.Consult(fd)
	second := reg.Consult(fd)

	assert.Equal(t, string(ActionAutoRetry), first.Action)
	assert.Equal(t, string(ActionAutoRetry), second.Action)
}

func TestConsultPerMinuteCapDegradesToAnnotate(t *testing.T) {
	reg := New([]Strategy{
		{ID: "s1", Match: transportDisconnected, Action: ActionAutoRetry, ExtraAttempts: 1, Enabled: true, Rearmable: true},
	}, 1, nil, eventbus.New(16), logr.Discard())

	first := reg.Consult(scheduler.FailureDescriptor{CallID: ids.CallId("c1"), Kind: kernelerr.KindTransportDisconnected})
	second := reg.Consult(scheduler.FailureDescriptor{CallID: ids.CallId("c2"), Kind: kernelerr.KindTransportDisconnected})

	assert.Equal(t, string(ActionAutoRetry), first.Action)
	assert.Equal(t, string(ActionAnnotate), second.Action, "per-minute cap should degrade the second auto_retry to annotate")
}

func TestConsultDisabledStrategySkipped(t *testing.T) {
	reg := New([]Strategy{
		{ID: "disabled", Match: transportDisconnected, Action: ActionAutoRetry, Enabled: false},
		{ID: "fallback", Match: transportDisconnected, Action: ActionAnnotate, Enabled: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	decision := reg.Consult(scheduler.FailureDescriptor{Kind: kernelerr.KindTransportDisconnected})
	assert.Equal(t, string(ActionAnnotate), decision.Action)
}

func TestHumanApprovalResumesOnApprove(t *testing.T) {
	reg := New([]Strategy{
		{ID: "park", Match: func(fd scheduler.FailureDescriptor) bool { return fd.Kind == kernelerr.KindRemoteError }, Action: ActionHumanApproval, ApprovalTimeout: time.Second, Enabled: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	actionID := ids.NewActionId()
	decision := reg.Consult(scheduler.FailureDescriptor{ActionID: actionID, Kind: kernelerr.KindRemoteError})
	require.Equal(t, string(ActionHumanApproval), decision.Action)
	require.NotNil(t, decision.Resume)

	reg.Approvals().Resolve(actionID, true)

	select {
	case approved := <-decision.Resume:
		assert.True(t, approved)
	case <-time.After(time.Second):
		t.Fatal("expected resume channel to receive the resolved decision")
	}
}

func TestInProcessApprovalsResolveUnknownIsNoop(t *testing.T) {
	a := NewInProcessApprovals()
	assert.NotPanics(t, func() { a.Resolve(ids.ActionId("never-parked"), true) })
}

func TestForgetCallClearsBookkeeping(t *testing.T) {
	reg := New([]Strategy{
		{ID: "s1", Match: transportDisconnected, Action: ActionAutoRetry, Enabled: true},
	}, 0, nil, eventbus.New(16), logr.Discard())

	fd := scheduler.FailureDescriptor{CallID: ids.CallId("c1"), Kind: kernelerr.KindTransportDisconnected}
	reg.Consult(fd)
	reg.ForgetCall(fd.CallID)
	decision := reg.Consult(fd)
	assert.Equal(t, string(ActionAutoRetry), decision.Action, "forgetting a call id should allow its strategies to fire again")
}
