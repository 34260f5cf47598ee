package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/scheduler"
)

// echoExecutor is a trivial ToolExecutor a collaborator would register — it
// proves AppContext wires the scheduler through to a real executor without
// any component reaching into another's internals.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, tc scheduler.ToolCtx, tool string, params any) (scheduler.ToolOutput, error) {
	return scheduler.ToolOutput{Data: params}, nil
}

func TestNewComposesAndSubmitDispatches(t *testing.T) {
	ac := New(Config{
		SchedulerConfig: scheduler.Config{MaxWorkers: 2, PollInterval: time.Millisecond, DefaultGlobalSlots: 2},
	})
	ac.RegisterExecutor(echoExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ac.Start(ctx))
	defer ac.Shutdown()

	sid := ac.NewSession("tenant-a")
	pid, err := ac.Registry.AttachPage(sid, "https://example.com")
	require.NoError(t, err)

	future := ac.Submit(&scheduler.ToolCall{
		CallID:   "call-1",
		Tool:     "navigate",
		Route:    ids.ExecRoute{SessionId: sid, PageId: pid},
		Tenant:   "tenant-a",
		Priority: scheduler.PriorityNormal,
		Params:   "https://example.com",
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	outcome, err := future.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusCompleted, outcome.Status)
	require.Equal(t, "https://example.com", outcome.Output)
}

func TestSubmitAgainstUnknownRouteFailsRouteStale(t *testing.T) {
	ac := New(Config{
		SchedulerConfig: scheduler.Config{MaxWorkers: 2, PollInterval: time.Millisecond, DefaultGlobalSlots: 2},
	})
	ac.RegisterExecutor(echoExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ac.Start(ctx))
	defer ac.Shutdown()

	future := ac.Submit(&scheduler.ToolCall{
		CallID:   "call-2",
		Tool:     "navigate",
		Route:    ids.ExecRoute{SessionId: ids.NewSessionId(), PageId: ids.NewPageId()},
		Tenant:   "tenant-a",
		Priority: scheduler.PriorityNormal,
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	outcome, err := future.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Error)
}
