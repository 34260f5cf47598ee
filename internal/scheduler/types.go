// types.go — Scheduler data model (spec §3 ToolCall/DispatchEvent, §4.6).
package scheduler

import (
	"sync"
	"time"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
)

// Priority is the weighted scheduling class a ToolCall competes under.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// priorityWeight orders classes for the priority queue; higher sorts first.
var priorityWeight = map[Priority]int{
	PriorityCritical:   5,
	PriorityHigh:       4,
	PriorityNormal:     3,
	PriorityLow:        2,
	PriorityBackground: 1,
}

func weightOf(p Priority) int {
	if w, ok := priorityWeight[p]; ok {
		return w
	}
	return priorityWeight[PriorityNormal]
}

// WaitTier names a post-action wait bundle the scheduler applies after a
// successful attempt (awaitWaitTier).
type WaitTier string

const (
	WaitNone     WaitTier = "none"
	WaitDomReady WaitTier = "dom_ready"
	WaitIdle     WaitTier = "idle"
)

// Status is a ToolCall's lifecycle state (spec §3: queued → claimed →
// running → {completed|failed|cancelled}).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RetryPolicy bounds tool-declared-retryable failure handling.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	JitterPct   float64
}

// ToolCall is a request to execute a named tool against a route (spec §3).
type ToolCall struct {
	ActionID ids.ActionId
	CallID   ids.CallId
	TaskID   ids.TaskId

	Tool   string
	Route  ids.ExecRoute
	Params any

	Tenant   string
	Priority Priority
	WaitTier WaitTier

	Timeout time.Duration
	Retry   RetryPolicy

	// Origin is the route's current web origin, supplied by the caller so
	// the Permissions Broker can be consulted without the scheduler itself
	// reaching into the registry's page state.
	Origin string
	// OriginNeeded, when non-empty, names the permissions the tool requires
	// of Origin before admission proceeds.
	OriginNeeded []string
	// RequireAll means a Partial permissions decision still fails admission.
	RequireAll bool
	// RelocationSafe allows one re-resolve-and-retry on a mid-execution
	// RouteStale if the registry has since attached a replacement route.
	RelocationSafe bool

	SubmittedAt time.Time
	Deadline    time.Time

	Cancel *CancelToken

	// future is installed by Submit and resolved once by the dispatch
	// loop; callers never set it directly.
	future *Future

	// claimedAt, gate, and routeLock are set by tryClaimOne and consumed
	// only by runCall's release-exactly-once deferral; callers never set
	// them directly.
	claimedAt time.Time
	gate      *slotGate
	routeLock *sync.Mutex
}

// DispatchOutcome is the terminal result of a submitted ToolCall (spec §6).
type DispatchOutcome struct {
	Status    Status
	Attempts  int
	LatencyMs int64
	Error     *kernelerr.KernelError
	Output    any
}

// DispatchEvent is recorded at every ToolCall state change (spec §3).
type DispatchEvent struct {
	ActionID          ids.ActionId
	CallID            ids.CallId
	TaskID            ids.TaskId
	Tool              string
	Status            Status
	Attempt           int
	WaitQueueDuration time.Duration
	RunDuration       time.Duration
	Pending           int
	AvailableSlots    int64
	Route             ids.ExecRoute
	Error             string
	Output            any
	Timestamp         time.Time
}
